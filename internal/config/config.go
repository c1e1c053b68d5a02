// Package config loads machine descriptions listing the serial ports to
// instantiate and how each one is connected.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tinyrange/pl011/internal/chardev"
	"github.com/tinyrange/pl011/internal/devices/pl011"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

const (
	// SchemaVersion is the newest config schema understood by this build.
	SchemaVersion = "v1.0.0"

	// DefaultClockHz is the UART reference clock used when none is given.
	DefaultClockHz = 24_000_000
)

var (
	ErrUnsupportedSchema = errors.New("config: unsupported schema version")
	ErrInvalid           = errors.New("config: invalid configuration")
)

// Machine is the top level of a config file.
type Machine struct {
	Schema string   `yaml:"schema"`
	Serial []Serial `yaml:"serial"`
}

// Serial describes one PL011 instance.
type Serial struct {
	Name    string `yaml:"name"`
	Base    uint64 `yaml:"base"`
	IRQ     uint8  `yaml:"irq"`
	ClockHz uint64 `yaml:"clock-hz,omitempty"`

	TriggerPolicy string `yaml:"trigger-policy,omitempty"`
	OverrunPolicy string `yaml:"overrun-policy,omitempty"`
	Variant       string `yaml:"variant,omitempty"`

	Chardev     string `yaml:"chardev"`
	ChardevPath string `yaml:"chardev-path,omitempty"`
	MigrateClk  *bool  `yaml:"migrate-clk,omitempty"`
	Paced       bool   `yaml:"paced,omitempty"`
}

// Default returns a machine with a single console on stdio.
func Default() Machine {
	m := Machine{
		Serial: []Serial{{
			Name:    "serial0",
			Base:    pl011.DefaultBase,
			IRQ:     1,
			Chardev: string(chardev.KindStdio),
		}},
	}
	m.normalize()
	return m
}

func (m *Machine) normalize() {
	if m.Schema == "" {
		m.Schema = SchemaVersion
	}
	for i := range m.Serial {
		s := &m.Serial[i]
		if s.Name == "" {
			s.Name = fmt.Sprintf("serial%d", i)
		}
		if s.ClockHz == 0 {
			s.ClockHz = DefaultClockHz
		}
		if s.TriggerPolicy == "" {
			s.TriggerPolicy = pl011.TriggerIFLS.String()
		}
		if s.OverrunPolicy == "" {
			s.OverrunPolicy = pl011.OverrunOverwriteOldest.String()
		}
		if s.Variant == "" {
			s.Variant = pl011.VariantARM.String()
		}
		if s.MigrateClk == nil {
			migrate := true
			s.MigrateClk = &migrate
		}
	}
}

// Validate reports the first problem found in m.
func (m *Machine) Validate() error {
	if !semver.IsValid(m.Schema) {
		return fmt.Errorf("%w: %q is not a semantic version", ErrUnsupportedSchema, m.Schema)
	}
	if semver.Major(m.Schema) != semver.Major(SchemaVersion) {
		return fmt.Errorf("%w: %s (this build reads %s)", ErrUnsupportedSchema, m.Schema, semver.Major(SchemaVersion))
	}
	if len(m.Serial) == 0 {
		return fmt.Errorf("%w: no serial ports", ErrInvalid)
	}

	names := make(map[string]bool, len(m.Serial))
	for _, s := range m.Serial {
		if names[s.Name] {
			return fmt.Errorf("%w: duplicate serial name %q", ErrInvalid, s.Name)
		}
		names[s.Name] = true
		if err := s.validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, s.Name, err)
		}
	}
	return nil
}

func (s Serial) validate() error {
	if s.Base%pl011.DefaultSize != 0 {
		return fmt.Errorf("base %#x is not aligned to %#x", s.Base, pl011.DefaultSize)
	}
	if s.Chardev == "" {
		return errors.New("chardev is required")
	}
	if !knownKind(chardev.Kind(s.Chardev)) {
		return fmt.Errorf("unknown chardev %q", s.Chardev)
	}
	if chardev.Kind(s.Chardev) == chardev.KindHost && s.ChardevPath == "" {
		return errors.New("chardev host needs chardev-path")
	}
	if _, err := ParseTriggerPolicy(s.TriggerPolicy); err != nil {
		return err
	}
	if _, err := ParseOverrunPolicy(s.OverrunPolicy); err != nil {
		return err
	}
	if _, err := ParseVariant(s.Variant); err != nil {
		return err
	}
	return nil
}

func knownKind(k chardev.Kind) bool {
	for _, known := range chardev.Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Options converts s into device options. Backend, Clock and IRQ are left
// for the caller to attach.
func (s Serial) Options() (pl011.Options, error) {
	opts := pl011.DefaultOptions()

	var err error
	if opts.TriggerPolicy, err = ParseTriggerPolicy(s.TriggerPolicy); err != nil {
		return opts, err
	}
	if opts.OverrunPolicy, err = ParseOverrunPolicy(s.OverrunPolicy); err != nil {
		return opts, err
	}
	if opts.Variant, err = ParseVariant(s.Variant); err != nil {
		return opts, err
	}
	if s.MigrateClk != nil {
		opts.MigrateClock = *s.MigrateClk
	}
	return opts, nil
}

// ParseTriggerPolicy accepts the names printed by pl011.TriggerPolicy.
func ParseTriggerPolicy(name string) (pl011.TriggerPolicy, error) {
	for _, p := range []pl011.TriggerPolicy{pl011.TriggerIFLS, pl011.TriggerEager} {
		if strings.EqualFold(name, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown trigger-policy %q", name)
}

// ParseOverrunPolicy accepts the names printed by pl011.OverrunPolicy.
func ParseOverrunPolicy(name string) (pl011.OverrunPolicy, error) {
	for _, p := range []pl011.OverrunPolicy{pl011.OverrunOverwriteOldest, pl011.OverrunDropNewest} {
		if strings.EqualFold(name, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown overrun-policy %q", name)
}

// ParseVariant accepts the names printed by pl011.Variant.
func ParseVariant(name string) (pl011.Variant, error) {
	for _, v := range []pl011.Variant{pl011.VariantARM, pl011.VariantLuminary} {
		if strings.EqualFold(name, v.String()) {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown variant %q", name)
}

// Parse decodes, normalizes and validates a config document.
func Parse(data []byte) (Machine, error) {
	var m Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Machine{}, fmt.Errorf("config: parse: %w", err)
	}
	m.normalize()
	if err := m.Validate(); err != nil {
		return Machine{}, err
	}
	return m, nil
}

// Load reads a config file.
func Load(path string) (Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Machine{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return Machine{}, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Write encodes m as YAML with defaults filled in.
func Write(w io.Writer, m Machine) error {
	m.normalize()
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&m); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return enc.Close()
}
