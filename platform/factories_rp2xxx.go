// platform/factories_rp2xxx.go
//go:build rp2040 || rp2350

package platform

import (
	"context"
	"errors"
	"io"
	"machine"

	"github.com/jangala-dev/tinygo-uartx/uartx"
	"tinygo.org/x/drivers/onewire"

	"owrelay-go/services/gateway"
)

// OneWire returns a bit-banged 1-Wire master on GPIO pin. The line needs an
// external pull-up (4.7k to 3V3).
func OneWire(pin int) onewire.Device {
	return onewire.New(machine.Pin(pin))
}

// Install injects the RP2 diallers into the gateway.
func Install() {
	gateway.UARTDial = UARTDial
}

// UARTDial configures UART0/UART1 and returns it as a byte stream. Close
// only stops pending reads; the peripheral stays configured.
func UARTDial(ctx context.Context, c gateway.UARTConfig) (io.ReadWriteCloser, error) {
	var hw *uartx.UART
	switch c.ID {
	case 0:
		hw = uartx.UART0
	case 1:
		hw = uartx.UART1
	default:
		return nil, errors.New("uart id must be 0 or 1")
	}
	baud := c.Baud
	if baud == 0 {
		baud = 115200
	}
	if err := hw.Configure(uartx.UARTConfig{
		BaudRate: baud,
		TX:       machine.Pin(c.TxPin),
		RX:       machine.Pin(c.RxPin),
	}); err != nil {
		return nil, err
	}
	lctx, cancel := context.WithCancel(ctx)
	return &uartPort{u: hw, ctx: lctx, cancel: cancel}, nil
}

type uartPort struct {
	u      *uartx.UART
	ctx    context.Context
	cancel context.CancelFunc
}

func (p *uartPort) Read(b []byte) (int, error) {
	for {
		n, err := p.u.RecvSomeContext(p.ctx, b)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (p *uartPort) Write(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	return p.u.Write(b)
}

func (p *uartPort) Close() error {
	p.cancel()
	return nil
}
