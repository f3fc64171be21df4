// Package board describes the simulated board: how many pins it has,
// which of them alias analog channels, and what the pin mode numbers
// on the wire mean.
package board

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed uno.yaml
var defaultProfile []byte

// Profile defines the pin layout of a simulated board.
type Profile struct {
	Name        string         `yaml:"name"`
	DigitalPins int            `yaml:"digital_pins"`
	AnalogBase  int            `yaml:"analog_base"`
	AnalogPins  int            `yaml:"analog_pins"`
	DefaultBaud int            `yaml:"default_baud"`
	Modes       map[int]string `yaml:"modes"`
}

// LoadProfile reads a board profile from a YAML file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading board profile %s: %w", path, err)
	}
	return parse(data, path)
}

// DefaultProfile returns the embedded classic Uno-style layout.
func DefaultProfile() *Profile {
	p, err := parse(defaultProfile, "embedded uno.yaml")
	if err != nil {
		panic(err)
	}
	return p
}

func parse(data []byte, origin string) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing board profile %s: %w", origin, err)
	}
	if p.DigitalPins <= 0 {
		return nil, fmt.Errorf("board profile %s: digital_pins must be positive", origin)
	}
	return &p, nil
}

// PinCount is the total number of addressable pins.
func (p *Profile) PinCount() int {
	return p.DigitalPins + p.AnalogPins
}

// ValidPin reports whether n addresses a pin on this board.
func (p *Profile) ValidPin(n int) bool {
	return n >= 0 && n < p.PinCount()
}

// PinName renders a pin number the way a schematic would: analog pins
// get their channel alias (A0..), everything else the bare number.
func (p *Profile) PinName(n int) string {
	if n >= p.AnalogBase && n < p.AnalogBase+p.AnalogPins {
		return fmt.Sprintf("A%d", n-p.AnalogBase)
	}
	return fmt.Sprintf("%d", n)
}

// ModeName maps a wire mode number to its display name.
func (p *Profile) ModeName(mode int) string {
	if name, ok := p.Modes[mode]; ok {
		return name
	}
	return fmt.Sprintf("MODE_%d", mode)
}
