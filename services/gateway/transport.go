package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"

	"owrelay-go/errcode"
	"owrelay-go/mysensors"
)

// -----------------------------------------------------------------------------
// Link and transport registry
// -----------------------------------------------------------------------------

// Link is an open connection to the controller side.
type Link interface {
	Send(m mysensors.Message) error
	// Recv is closed when the link stops receiving.
	Recv() <-chan mysensors.Message
	// Done yields the error that ended the link, once.
	Done() <-chan error
	Close() error
}

// Transport opens links.
type Transport interface {
	Open(ctx context.Context) (Link, error)
	String() string
}

// TransportFactory builds a transport from config.
type TransportFactory func(TransportConfig, *log.Logger) (Transport, error)

var (
	regMu      sync.RWMutex
	transports = map[string]TransportFactory{}

	errNoDial = errors.New("dialler not injected")
)

// RegisterTransport adds or replaces a transport type.
func RegisterTransport(name string, f TransportFactory) {
	regMu.Lock()
	defer regMu.Unlock()
	transports[name] = f
}

func newTransport(cfg TransportConfig, logger *log.Logger) (Transport, error) {
	regMu.RLock()
	f, ok := transports[cfg.Type]
	regMu.RUnlock()
	if ok {
		return f(cfg, logger)
	}
	switch cfg.Type {
	case "serial":
		if cfg.Serial == nil || cfg.Serial.Port == "" {
			return nil, &errcode.E{C: errcode.InvalidParams, Op: "serial transport", Msg: "serial.port required"}
		}
		sc := *cfg.Serial
		return &streamTransport{name: "serial", log: logger, open: func(ctx context.Context) (io.ReadWriteCloser, error) {
			if SerialDial == nil {
				return nil, errNoDial
			}
			return SerialDial(ctx, sc)
		}}, nil
	case "uart":
		if cfg.UART == nil {
			return nil, &errcode.E{C: errcode.InvalidParams, Op: "uart transport", Msg: "uart config required"}
		}
		uc := *cfg.UART
		return &streamTransport{name: "uart", log: logger, open: func(ctx context.Context) (io.ReadWriteCloser, error) {
			if UARTDial == nil {
				return nil, errNoDial
			}
			return UARTDial(ctx, uc)
		}}, nil
	case "mqtt":
		return newMQTTTransport(cfg, logger)
	default:
		return nil, &errcode.E{C: errcode.Unsupported, Op: "transport", Msg: fmt.Sprintf("unknown transport type %q", cfg.Type)}
	}
}

// SerialDial and UARTDial are injected by platform code. They open the
// port described by the config and return it as a byte stream.
var (
	SerialDial func(ctx context.Context, c SerialConfig) (io.ReadWriteCloser, error)
	UARTDial   func(ctx context.Context, c UARTConfig) (io.ReadWriteCloser, error)
)

// -----------------------------------------------------------------------------
// Stream links (serial line protocol)
// -----------------------------------------------------------------------------

type streamTransport struct {
	name string
	log  *log.Logger
	open func(ctx context.Context) (io.ReadWriteCloser, error)
}

func (t *streamTransport) Open(ctx context.Context) (Link, error) {
	rwc, err := t.open(ctx)
	if err != nil {
		return nil, err
	}
	return NewStreamLink(rwc, t.log), nil
}

func (t *streamTransport) String() string { return t.name }

type streamLink struct {
	rwc  io.ReadWriteCloser
	wr   *mysensors.Writer
	log  *log.Logger
	recv chan mysensors.Message
	done chan error

	closing   chan struct{}
	closeOnce sync.Once
}

// NewStreamLink runs the MySensors serial codec over rwc. Malformed lines
// are logged and skipped.
func NewStreamLink(rwc io.ReadWriteCloser, logger *log.Logger) Link {
	if logger == nil {
		logger = log.Default()
	}
	l := &streamLink{
		rwc:     rwc,
		wr:      mysensors.NewWriter(rwc),
		log:     logger,
		recv:    make(chan mysensors.Message, 8),
		done:    make(chan error, 1),
		closing: make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *streamLink) readLoop() {
	defer close(l.recv)
	rd := mysensors.NewReader(l.rwc)
	for {
		m, err := rd.Read()
		if err != nil {
			if errcode.Of(err) == errcode.InvalidPayload {
				l.log.Debug("dropping malformed line", "err", err)
				continue
			}
			l.done <- err
			return
		}
		select {
		case l.recv <- m:
		case <-l.closing:
			l.done <- io.EOF
			return
		}
	}
}

func (l *streamLink) Send(m mysensors.Message) error { return l.wr.Write(m) }

func (l *streamLink) Recv() <-chan mysensors.Message { return l.recv }
func (l *streamLink) Done() <-chan error             { return l.done }

func (l *streamLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closing)
		err = l.rwc.Close()
	})
	return err
}
