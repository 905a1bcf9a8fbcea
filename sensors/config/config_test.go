package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"owrelay-go/errcode"
	"owrelay-go/sensors/registry"
)

func TestLoad_Testdata(t *testing.T) {
	f, err := Load(filepath.Join("testdata", "freebox.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.NodeID != 12 || f.Count == nil || *f.Count != 3 || f.Resolution != 11 {
		t.Fatalf("header = %+v", f)
	}
	if f.PollInterval != 45*time.Second || f.ScanInterval != 10*time.Minute || f.ReportEvery != 20 {
		t.Fatalf("intervals = %v %v %d", f.PollInterval, f.ScanInterval, f.ReportEvery)
	}

	tab, err := f.Table()
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if tab.Len() != 3 {
		t.Fatalf("Len = %d", tab.Len())
	}

	e0, _ := tab.At(0)
	want0 := registry.Address{0x28, 0x19, 0xF0, 0x4D, 0x05, 0x00, 0x00, 0x3D}
	if e0.Address != want0 || e0.Label != "Room" || e0.ChannelID != 0 || e0.Reading.Valid {
		t.Fatalf("entry 0 = %+v", e0)
	}
	e1, _ := tab.At(1)
	if e1.Address.String() != "28-14F04D0500002D" || e1.Reading.Valid {
		t.Fatalf("entry 1 = %+v", e1)
	}
	e2, _ := tab.At(2)
	if e2.ChannelID != 1 || !e2.Reading.Valid || e2.Reading.MilliC != 19500 {
		t.Fatalf("entry 2 = %+v", e2)
	}
}

func TestParse_CountMismatchSurfacesAtTable(t *testing.T) {
	src := `
count: 3
sensors:
  - channel: 0
    address: "28-19F04D0500003D"
    name: Room
    initial: -1000
`
	f, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := f.Table(); errcode.Of(err) != errcode.ConfigMismatch {
		t.Fatalf("Table err = %v, want config_mismatch", err)
	}
}

func TestParse_InitialAtRangeEdges(t *testing.T) {
	src := `
sensors:
  - address: "28-19F04D0500003D"
    initial: -55
  - address: "28-14F04D0500002D"
    initial: 125
  - address: "28-0F2F4E0500006D"
    initial: -1000
`
	f, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tab, err := f.Table()
	if err != nil {
		t.Fatal(err)
	}
	e0, _ := tab.At(0)
	e1, _ := tab.At(1)
	e2, _ := tab.At(2)
	if e0.Reading.MilliC != -55000 || e1.Reading.MilliC != 125000 || e2.Reading.Valid {
		t.Fatalf("readings = %+v %+v %+v", e0.Reading, e1.Reading, e2.Reading)
	}
}

func TestTable_DeclaredZeroCount(t *testing.T) {
	f, err := Parse([]byte("count: 0\nsensors:\n  - address: \"28-19F04D0500003D\"\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := f.Table(); errcode.Of(err) != errcode.ConfigMismatch {
		t.Fatalf("Table err = %v, want config_mismatch", err)
	}
	// Absent count is not checked.
	f, err = Parse([]byte("sensors:\n  - address: \"28-19F04D0500003D\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Table(); err != nil {
		t.Fatalf("undeclared count: %v", err)
	}
}

func TestParse_Errors(t *testing.T) {
	cases := map[string]string{
		"unknown key":      "sensors: []\nbogus: 1\n",
		"bad address":      "sensors:\n  - address: nope\n",
		"bad resolution":   "resolution: 13\n",
		"negative poll":    "poll_interval: -5s\n",
		"malformed":        "sensors: [\n",
		"initial too hot":  "sensors:\n  - address: \"28-19F04D0500003D\"\n    initial: 500\n",
		"initial huge":     "sensors:\n  - address: \"28-19F04D0500003D\"\n    initial: 1e10\n",
		"initial too cold": "sensors:\n  - address: \"28-19F04D0500003D\"\n    initial: -55.5\n",
		"initial nan":      "sensors:\n  - address: \"28-19F04D0500003D\"\n    initial: .nan\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(src)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParse_Empty(t *testing.T) {
	f, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil): %v", err)
	}
	tab, err := f.Table()
	if err != nil || tab.Len() != 0 {
		t.Fatalf("empty table: %v, %v", tab, err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	f, err := Load(filepath.Join("testdata", "freebox.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	out, err := f.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(out), "address: 28-0F2F4E0500006D") {
		t.Fatalf("rendered table lacks canonical address:\n%s", out)
	}
	g, err := Parse(out)
	if err != nil {
		t.Fatalf("re-Parse: %v\n%s", err, out)
	}
	if len(g.Sensors) != 3 || g.Sensors[1].Address != f.Sensors[1].Address || g.PollInterval != f.PollInterval {
		t.Fatalf("round trip mismatch: %+v", g)
	}
}

func TestOverrides_OnlySetFields(t *testing.T) {
	f := &File{Resolution: 10, PollInterval: 45 * time.Second}
	m := f.Overrides()
	if len(m) != 2 || m["resolution"] != 10 || m["poll_interval"] != "45s" {
		t.Fatalf("overrides = %#v", m)
	}
	if len((&File{}).Overrides()) != 0 {
		t.Fatal("empty file produced overrides")
	}
}
