// Package icse implements the ICSE0XXA relay module protocol.
//
// ICSE012A (4 relays), ICSE013A (2 relays) and ICSE014A (8 relays) modules are
// driven over a serial port with a single-byte command protocol:
//
//	host → device  0x50            IDENTIFY, device answers with its model byte
//	device → host  0xAB/0xAD/0xAC  ICSE012A / ICSE013A / ICSE014A
//	host → device  0x51            READY, enter relay-control mode (one way)
//	host → device  register byte   bit i = relay i, sets all outputs at once
//
// After READY the firmware stops answering IDENTIFY until it is power cycled,
// so a Device never re-identifies once it is Ready. Relay writes always carry
// the full register because the protocol has no per-relay addressing.
//
// Bit=1 is logical ON, which turns the board's indicator LED off.
//
// # Lifecycle
//
//	dev, err := icse.NewDevice("/dev/ttyUSB0", icse.Model4Relay, icse.Options{
//	    Opener: serialport.NewOpener(serialport.DefaultConfig()),
//	})
//	outcome, err := dev.Init(ctx)
//	err = dev.SwitchRelay(2, true)
//	err = dev.Close()
//
// # Ownership
//
// A Device exclusively owns its transport. Operations check the device out
// for their duration; a concurrent caller gets ErrDeviceBusy instead of
// interleaving bytes on the wire.
package icse
