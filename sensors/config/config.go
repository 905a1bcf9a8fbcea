// Package config loads the node's sensor table file.
//
//	node_id: 1
//	count: 1
//	resolution: 12
//	poll_interval: 30s
//	sensors:
//	  - channel: 0
//	    address: "28-19F04D0500003D"
//	    name: Room
//	    initial: -1000
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"owrelay-go/errcode"
	"owrelay-go/sensors/registry"
)

// Sensor is one row of the sensor table.
type Sensor struct {
	Channel uint8            `yaml:"channel"`
	Address registry.Address `yaml:"address"`
	Name    string           `yaml:"name"`
	// Initial is an optional starting reading in °C. Absent or -1000 means
	// no reading yet.
	Initial *float64 `yaml:"initial,omitempty"`
}

// File is the top-level document.
type File struct {
	NodeID       uint8         `yaml:"node_id"`
	// Count is optional; when present it must match the number of rows.
	Count        *int          `yaml:"count,omitempty"`
	Resolution   uint8         `yaml:"resolution,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	ScanInterval time.Duration `yaml:"scan_interval,omitempty"`
	ReportEvery  int           `yaml:"report_every,omitempty"`
	Sensors      []Sensor      `yaml:"sensors"`
}

// Load reads and parses path.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sensor table %s: %w", path, err)
	}
	f, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("sensor table %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a sensor table document. Unknown keys are rejected.
func Parse(raw []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, &errcode.E{C: errcode.InvalidPayload, Op: "parse sensor table", Msg: err.Error(), Err: err}
	}
	if f.Resolution != 0 && (f.Resolution < 9 || f.Resolution > 12) {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "parse sensor table", Msg: fmt.Sprintf("resolution %d not in 9..12", f.Resolution)}
	}
	if f.PollInterval < 0 || f.ScanInterval < 0 || f.ReportEvery < 0 {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "parse sensor table", Msg: "negative interval"}
	}
	for i, s := range f.Sensors {
		if s.Initial == nil || *s.Initial == registry.LegacyNoReading {
			continue
		}
		// Written so NaN fails too.
		if v := *s.Initial * 1000; !(v >= registry.MinMilliC && v <= registry.MaxMilliC) {
			return nil, &errcode.E{C: errcode.InvalidParams, Op: "parse sensor table", Msg: fmt.Sprintf("sensors[%d].initial %g outside -55..125", i, *s.Initial)}
		}
	}
	return &f, nil
}

// TableSpec converts the document into registry input.
func (f *File) TableSpec() registry.Spec {
	spec := registry.Spec{Entries: make([]registry.Entry, len(f.Sensors))}
	if f.Count != nil {
		spec.Count = *f.Count
	}
	for i, s := range f.Sensors {
		e := registry.Entry{ChannelID: s.Channel, Address: s.Address, Label: s.Name}
		if s.Initial != nil && *s.Initial != registry.LegacyNoReading {
			e.Reading = registry.Reading{MilliC: int32(math.Round(*s.Initial * 1000)), Valid: true}
		}
		spec.Entries[i] = e
	}
	return spec
}

// Table builds the registry; configuration errors surface here.
func (f *File) Table() (*registry.Table, error) {
	// The registry reads Count 0 as undeclared; a written zero is a claim.
	if f.Count != nil && *f.Count == 0 && len(f.Sensors) != 0 {
		return nil, &errcode.E{
			C:   errcode.ConfigMismatch,
			Op:  "sensor table",
			Msg: fmt.Sprintf("declared 0 sensors, table has %d", len(f.Sensors)),
		}
	}
	return registry.New(f.TableSpec())
}

// Marshal renders the document back to YAML (used by owscan to print a
// ready-to-edit table).
func (f *File) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Overrides returns the polling settings the file sets, keyed like the
// config/sensors payload. Unset fields are left out so defaults survive.
func (f *File) Overrides() map[string]any {
	m := map[string]any{}
	if f.Resolution != 0 {
		m["resolution"] = int(f.Resolution)
	}
	if f.PollInterval != 0 {
		m["poll_interval"] = f.PollInterval.String()
	}
	if f.ScanInterval != 0 {
		m["scan_interval"] = f.ScanInterval.String()
	}
	if f.ReportEvery != 0 {
		m["report_every"] = f.ReportEvery
	}
	return m
}
