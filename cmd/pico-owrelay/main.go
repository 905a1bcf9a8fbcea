//go:build rp2040 || rp2350

// Command pico-owrelay is the relay node firmware: DS18B20 probes on a GPIO
// 1-Wire line, MySensors gateway on a UART.
package main

import (
	"context"
	_ "embed"
	"time"

	"owrelay-go/bus"
	"owrelay-go/platform"
	tablecfg "owrelay-go/sensors/config"
	"owrelay-go/services/config"
	"owrelay-go/services/gateway"
	"owrelay-go/services/heartbeat"
	"owrelay-go/services/sensors"
	"owrelay-go/x/yamlx"
)

//go:embed sensors.yaml
var sensorTable []byte

const defaultPin = 15

type onewireConfig struct {
	Pin int `yaml:"pin"`
}

func halt(msg string, err error) {
	for {
		println("[main]", msg+":", err.Error())
		time.Sleep(5 * time.Second)
	}
}

// onewirePin waits briefly for the retained config/onewire.
func onewirePin(conn *bus.Connection) int {
	sub := conn.Subscribe(bus.T("config", "onewire"))
	defer conn.Unsubscribe(sub)
	select {
	case m := <-sub.Channel():
		var c onewireConfig
		if err := yamlx.Decode(m.Payload, &c); err == nil && c.Pin > 0 {
			return c.Pin
		}
	case <-time.After(2 * time.Second):
	}
	return defaultPin
}

func main() {
	// Allow USB CDC to enumerate before we print.
	time.Sleep(2 * time.Second)
	println("[main] boot")

	file, err := tablecfg.Parse(sensorTable)
	if err != nil {
		halt("sensor table", err)
	}
	tab, err := file.Table()
	if err != nil {
		halt("sensor table", err)
	}

	ctx := context.WithValue(context.Background(), config.CtxDeviceKey, "pico")
	b := bus.NewBus(4)
	platform.Install()

	cfgSvc := config.NewConfigService(nil)
	if o := file.Overrides(); len(o) > 0 {
		cfgSvc.Patch("sensors", o)
	}
	if file.NodeID != 0 {
		cfgSvc.Patch("gateway", map[string]any{"node_id": int(file.NodeID)})
	}
	cfgSvc.Start(ctx, b.NewConnection("config"))

	pin := onewirePin(b.NewConnection("main"))
	println("[main] onewire on GP", pin, "entries", tab.Len())

	sensors.New(tab, platform.OneWire(pin), sensors.Config{Resolution: file.Resolution}, nil).
		Start(ctx, b.NewConnection("sensors"))
	gateway.New(tab, nil).Start(ctx, b.NewConnection("gateway"))

	var hb heartbeat.Service
	_ = hb.Start(ctx, b.NewConnection("heartbeat"))

	select {}
}
