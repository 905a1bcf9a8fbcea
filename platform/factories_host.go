// platform/factories_host.go
//go:build !rp2040 && !rp2350

package platform

import (
	"context"
	"io"

	goserial "go.bug.st/serial.v1"

	"owrelay-go/drivers/owsim"
	"owrelay-go/sensors/registry"
	"owrelay-go/services/gateway"
)

const defaultBaud = 115200

// Install injects the host diallers into the gateway.
func Install() {
	gateway.SerialDial = SerialDial
}

// SerialDial opens a host serial device (e.g. /dev/ttyUSB0) at 8N1.
func SerialDial(_ context.Context, c gateway.SerialConfig) (io.ReadWriteCloser, error) {
	baud := c.Baud
	if baud == 0 {
		baud = defaultBaud
	}
	return goserial.Open(c.Port, &goserial.Mode{BaudRate: baud})
}

// SimBus returns a simulated OneWire bus with one probe per table entry,
// addressed exactly as the table lists them. Probes start at baseMilliC,
// offset by 0.5 °C per index, and drift by up to ±wobble per conversion.
func SimBus(tab *registry.Table, baseMilliC, wobble int32) *owsim.Bus {
	bus := owsim.New()
	for i, e := range tab.Entries() {
		p := owsim.NewProbeRaw(e.Address, baseMilliC+int32(i)*500)
		p.SetWobble(wobble)
		bus.Attach(p)
	}
	return bus
}
