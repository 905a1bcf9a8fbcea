// Command owrelay runs a DS18B20 relay node on a host. Probes come from a
// simulated OneWire bus built from the sensor table; the MySensors gateway
// is reached over a serial port or MQTT, per the device profile.
package main

import (
	"context"
	"flag"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"

	"owrelay-go/bus"
	"owrelay-go/errcode"
	"owrelay-go/platform"
	tablecfg "owrelay-go/sensors/config"
	"owrelay-go/sensors/registry"
	"owrelay-go/services/config"
	"owrelay-go/services/gateway"
	"owrelay-go/services/heartbeat"
	"owrelay-go/services/sensors"
)

func main() {
	var (
		path   = flag.String("config", "sensors.yaml", "sensor table file")
		level  = flag.String("level", "info", "log level (debug, info, warn, error)")
		device = flag.String("device", "host", "embedded profile (host, host-mqtt)")
		sim    = flag.Float64("sim", 21, "simulated probe base temperature in °C")
		wobble = flag.Float64("wobble", 0.1, "simulated drift per conversion in °C")
	)
	flag.Parse()

	lvl, err := log.ParseLevel(*level)
	if err != nil {
		log.Fatal("bad log level", "level", *level, "err", err)
	}
	log.SetLevel(lvl)
	logger := log.Default().WithPrefix("main")

	file, tab, err := loadTable(*path)
	if err != nil {
		logger.Fatal("sensor table", "path", *path, "code", errcode.Of(err), "err", err)
	}
	for ch, idx := range tab.SharedChannels() {
		logger.Warn("entries share a channel; requests answer with the first", "channel", ch, "entries", idx)
	}
	logger.Info("sensor table loaded", "entries", tab.Len(), "node", file.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = context.WithValue(ctx, config.CtxDeviceKey, *device)

	platform.Install()
	ow := platform.SimBus(tab, milli(*sim), milli(*wobble))

	b := bus.NewBus(8)

	cfgSvc := config.NewConfigService(nil)
	patchFromFile(cfgSvc, file)
	cfgSvc.Start(ctx, b.NewConnection("config"))

	sensors.New(tab, ow, sensorsConfig(file), nil).Start(ctx, b.NewConnection("sensors"))
	gateway.New(tab, nil).Start(ctx, b.NewConnection("gateway"))

	var hb heartbeat.Service
	if err := hb.Start(ctx, b.NewConnection("heartbeat")); err != nil {
		logger.Fatal("heartbeat", "err", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")
}

// loadTable reads the sensor table and builds the registry.
func loadTable(path string) (*tablecfg.File, *registry.Table, error) {
	file, err := tablecfg.Load(path)
	if err != nil {
		return nil, nil, err
	}
	tab, err := file.Table()
	if err != nil {
		return nil, nil, err
	}
	return file, tab, nil
}

// patchFromFile lays the table file's node id and polling settings over
// the embedded profile.
func patchFromFile(svc *config.ConfigService, file *tablecfg.File) {
	if o := file.Overrides(); len(o) > 0 {
		svc.Patch("sensors", o)
	}
	if file.NodeID != 0 {
		svc.Patch("gateway", map[string]any{"node_id": int(file.NodeID)})
	}
}

func sensorsConfig(file *tablecfg.File) sensors.Config {
	return sensors.Config{
		Resolution:   file.Resolution,
		PollInterval: file.PollInterval,
		ScanInterval: file.ScanInterval,
		ReportEvery:  file.ReportEvery,
	}
}

func milli(c float64) int32 { return int32(math.Round(c * 1000)) }
