package icse

import "errors"

// Domain errors for the ICSE0XXA driver.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, icse.ErrTransport) {
//	    // serial port failed, the device is now Failed
//	}
var (
	// ErrTransport is returned when opening, writing to or reading from the
	// serial transport fails. The underlying cause is wrapped alongside it.
	ErrTransport = errors.New("icse: transport failure")

	// ErrUnknownDevice is returned when a model byte is not one of the known
	// ICSE0XXA identifiers.
	ErrUnknownDevice = errors.New("icse: unknown device")

	// ErrNotInitialized is returned when a relay operation is attempted on a
	// device that has not completed its handshake.
	ErrNotInitialized = errors.New("icse: device not initialized")

	// ErrAlreadyInitialized is returned when Init is called on a Ready device.
	// A device in relay-control mode no longer answers identification.
	ErrAlreadyInitialized = errors.New("icse: device already initialized")

	// ErrRelayIndexOutOfRange is returned when a relay index is outside
	// [0, RelayCount()).
	ErrRelayIndexOutOfRange = errors.New("icse: relay index out of range")

	// ErrNoAnswer is returned by Init when the device does not answer
	// identification and the unanswered policy is FailUnanswered.
	ErrNoAnswer = errors.New("icse: device did not answer identification")

	// ErrDeviceBusy is returned when an operation is attempted while another
	// caller has the device checked out.
	ErrDeviceBusy = errors.New("icse: device busy")

	// ErrNoOpener is returned when a device has no transport opener configured.
	ErrNoOpener = errors.New("icse: no transport opener configured")
)
