package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/pl011/internal/devices/pl011"
	"github.com/tinyrange/pl011/internal/hv"
	"github.com/tinyrange/pl011/internal/vmstate"
	"gopkg.in/yaml.v3"
)

type inspectedDevice struct {
	ID     string          `yaml:"id"`
	Size   int             `yaml:"size"`
	Record *vmstate.Record `yaml:"record,omitempty"`
	Error  string          `yaml:"error,omitempty"`
}

type inspectedFile struct {
	Path    string            `yaml:"path"`
	Format  string            `yaml:"format"`
	Devices []inspectedDevice `yaml:"devices"`
}

func runInspect(args []string) error {
	fs, debug := newFlagSet("inspect", "Decode PL011 checkpoint records, either raw or inside a snapshot file.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(*debug)
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("no input files")
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	for _, path := range fs.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out, err := inspect(path, data)
		if err != nil {
			return err
		}
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
	}
	return enc.Close()
}

// inspect decodes data as a snapshot container when it carries the
// container magic, otherwise as a single raw record.
func inspect(path string, data []byte) (*inspectedFile, error) {
	if len(data) >= 4 && binary.LittleEndian.Uint32(data) == hv.SnapshotMagic {
		snap, err := hv.ReadSnapshot(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out := &inspectedFile{Path: path, Format: "snapshot"}
		for _, id := range snap.DeviceIDs() {
			out.Devices = append(out.Devices, decodeDevice(id, snap.Devices[id]))
		}
		return out, nil
	}
	return &inspectedFile{
		Path:    path,
		Format:  "record",
		Devices: []inspectedDevice{decodeDevice("", data)},
	}, nil
}

func decodeDevice(id string, data []byte) inspectedDevice {
	d := inspectedDevice{ID: id, Size: len(data)}
	rec, err := vmstate.Decode(data, pl011.VMState)
	if err != nil {
		d.Error = err.Error()
		return d
	}
	d.Record = rec
	return d
}

// writeYAML encodes v as a single YAML document.
func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
