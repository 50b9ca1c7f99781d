package icse

import (
	"fmt"
	"strconv"
	"strings"
)

// Model identifies an ICSE0XXA board variant by its protocol byte.
type Model byte

// Known models. Any other byte is rejected by ParseModel.
const (
	ModelUnknown Model = 0x00
	Model4Relay  Model = 0xAB // ICSE012A
	Model2Relay  Model = 0xAD // ICSE013A
	Model8Relay  Model = 0xAC // ICSE014A
)

type modelSpec struct {
	name        string
	relays      int
	description string
}

var models = map[Model]modelSpec{
	Model4Relay: {name: "ICSE012A", relays: 4, description: "4-channel relay module without auxiliary power"},
	Model2Relay: {name: "ICSE013A", relays: 2, description: "2-channel relay module without auxiliary power"},
	Model8Relay: {name: "ICSE014A", relays: 8, description: "8-channel relay module with auxiliary power"},
}

// Models returns the known models in protocol byte order.
func Models() []Model {
	return []Model{Model4Relay, Model8Relay, Model2Relay}
}

// ParseModel converts a model byte received from a device or read from the
// registry. Unknown values return ErrUnknownDevice.
func ParseModel(b byte) (Model, error) {
	m := Model(b)
	if _, ok := models[m]; !ok {
		return ModelUnknown, fmt.Errorf("%w: model byte 0x%02x", ErrUnknownDevice, b)
	}
	return m, nil
}

// ParseModelHex parses the textual registry form ("0xab"). The prefix and
// case are optional on input.
func ParseModelHex(s string) (Model, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "0x")
	n, err := strconv.ParseUint(v, 16, 8)
	if err != nil {
		return ModelUnknown, fmt.Errorf("%w: invalid model value %q", ErrUnknownDevice, s)
	}
	return ParseModel(byte(n))
}

// Known reports whether m is one of the supported models.
func (m Model) Known() bool {
	_, ok := models[m]
	return ok
}

// RelayCount returns the number of relays on the board, 0 for unknown models.
func (m Model) RelayCount() int {
	return models[m].relays
}

// Name returns the product name, e.g. "ICSE012A".
func (m Model) Name() string {
	if spec, ok := models[m]; ok {
		return spec.name
	}
	return "Unknown_Device"
}

// Description returns a human-readable summary of the board.
func (m Model) Description() string {
	return models[m].description
}

// Hex returns the fixed persisted form of the model byte, e.g. "0xab".
func (m Model) Hex() string {
	return fmt.Sprintf("0x%02x", byte(m))
}

// String implements fmt.Stringer.
func (m Model) String() string {
	return m.Name()
}
