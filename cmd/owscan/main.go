//go:build !rp2040 && !rp2350

// Command owscan lists the DS18B20 probes on a OneWire bus and prints a
// sensors: block ready to paste into the sensor table. On a host the bus
// is simulated from an existing table plus any -extra addresses.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"tinygo.org/x/drivers/ds18b20"

	"owrelay-go/drivers/owsim"
	"owrelay-go/platform"
	tablecfg "owrelay-go/sensors/config"
	"owrelay-go/sensors/registry"
	"owrelay-go/services/sensors"
)

func main() {
	var (
		path  = flag.String("config", "", "existing sensor table (optional)")
		extra = flag.String("extra", "", "comma separated addresses to add to the simulated bus")
		level = flag.String("level", "warn", "log level")
	)
	flag.Parse()

	lvl, err := log.ParseLevel(*level)
	if err != nil {
		log.Fatal("bad log level", "level", *level, "err", err)
	}
	log.SetLevel(lvl)
	logger := log.Default().WithPrefix("owscan")

	known := &tablecfg.File{NodeID: 1}
	tab, _ := registry.New(registry.Spec{})
	if *path != "" {
		if known, err = tablecfg.Load(*path); err != nil {
			logger.Fatal("sensor table", "err", err)
		}
		if tab, err = known.Table(); err != nil {
			logger.Fatal("sensor table", "err", err)
		}
	}

	ow := platform.SimBus(tab, 21000, 0)
	for _, s := range splitList(*extra) {
		addr, err := registry.ParseAddress(s)
		if err != nil {
			logger.Fatal("bad -extra address", "addr", s, "err", err)
		}
		ow.Attach(owsim.NewProbe(addr, 20000))
	}

	out, err := discover(ow, known, func() { time.Sleep(sensors.ConversionTime(12)) })
	if err != nil {
		logger.Fatal("scan", "err", err)
	}
	raw, err := out.Marshal()
	if err != nil {
		logger.Fatal("marshal", "err", err)
	}
	os.Stdout.Write(raw)
}

// discover searches ow and builds a table listing every probe found.
// Probes already in known keep their channel and name; new ones get the
// next free channel and a placeholder name with the current reading.
func discover(ow sensors.Bus, known *tablecfg.File, wait func()) (*tablecfg.File, error) {
	roms, err := ow.Search(0xF0)
	if err != nil {
		return nil, err
	}
	drv := ds18b20.New(ow)
	drv.RequestTemperature(nil)
	wait()

	byAddr := map[registry.Address]tablecfg.Sensor{}
	next := uint8(0)
	for _, s := range known.Sensors {
		byAddr[s.Address] = s
		if s.Channel >= next {
			next = s.Channel + 1
		}
	}

	out := &tablecfg.File{
		NodeID:       known.NodeID,
		Resolution:   known.Resolution,
		PollInterval: known.PollInterval,
		ScanInterval: known.ScanInterval,
		ReportEvery:  known.ReportEvery,
	}
	for _, rom := range roms {
		addr, err := registry.AddressFromBytes(rom)
		if err != nil || !addr.KnownFamily() {
			continue
		}
		if s, ok := byAddr[addr]; ok {
			s.Initial = nil
			out.Sensors = append(out.Sensors, s)
			continue
		}
		name := "probe " + addr.String()
		if v, err := drv.ReadTemperature(rom); err == nil {
			name = fmt.Sprintf("probe at %.1f C", float64(v)/1000)
		}
		out.Sensors = append(out.Sensors, tablecfg.Sensor{Channel: next, Address: addr, Name: name})
		next++
	}
	n := len(out.Sensors)
	out.Count = &n
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
