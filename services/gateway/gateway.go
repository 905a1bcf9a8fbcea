// Package gateway relays sensor readings to a MySensors controller.
//
// It waits for config on config/gateway, opens the configured transport and
// supervises the link with backoff. Link state is published retained on
// gateway/state.
package gateway

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"owrelay-go/bus"
	"owrelay-go/errcode"
	"owrelay-go/mysensors"
	"owrelay-go/sensors/registry"
	"owrelay-go/types"
	"owrelay-go/x/timex"
	"owrelay-go/x/yamlx"
)

var (
	topicConfig    = bus.T("config", "gateway")
	topicState     = bus.T("gateway", "state")
	topicRx        = bus.T("gateway", "rx")
	topicValues    = bus.T("sensor", "+", "value")
	topicHeartbeat = bus.T("node", "heartbeat")
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config is the payload expected on config/gateway.
type Config struct {
	NodeID uint8 `yaml:"node_id"`
	// Metric selects °C (default) or °F. The controller can override it
	// with I_CONFIG.
	Metric        *bool           `yaml:"metric,omitempty"`
	SketchName    string          `yaml:"sketch_name,omitempty"`
	SketchVersion string          `yaml:"sketch_version,omitempty"`
	Transport     TransportConfig `yaml:"transport"`
}

type TransportConfig struct {
	// "serial", "uart", "mqtt" or a name added with RegisterTransport.
	Type   string        `yaml:"type"`
	Serial *SerialConfig `yaml:"serial,omitempty"`
	UART   *UARTConfig   `yaml:"uart,omitempty"`
	MQTT   *MQTTConfig   `yaml:"mqtt,omitempty"`
}

// SerialConfig names a host serial device.
type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// UARTConfig carries what the injected TinyGo dialler needs to open a UART.
type UARTConfig struct {
	ID    int    `yaml:"id"` // 0 or 1
	Baud  uint32 `yaml:"baud"`
	TxPin int    `yaml:"tx_pin"` // GPIO numbers
	RxPin int    `yaml:"rx_pin"`
}

type MQTTConfig struct {
	Broker    string `yaml:"broker"` // tcp://host:1883
	ClientID  string `yaml:"client_id,omitempty"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	PrefixOut string `yaml:"prefix_out,omitempty"`
	PrefixIn  string `yaml:"prefix_in,omitempty"`
	QoS       byte   `yaml:"qos,omitempty"`
}

func (c Config) metric() bool { return c.Metric == nil || *c.Metric }

func (c Config) sketch() (string, string) {
	name, ver := c.SketchName, c.SketchVersion
	if name == "" {
		name = "OneWire Relay"
	}
	if ver == "" {
		ver = "1.0"
	}
	return name, ver
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

type Service struct {
	tab  *registry.Table
	log  *log.Logger
	conn *bus.Connection

	mu     sync.Mutex
	curRun context.CancelFunc
	metric atomic.Bool
	start  time.Time
}

// New returns a gateway for tab. A nil logger uses the default logger with
// a "gateway" prefix.
func New(tab *registry.Table, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default().WithPrefix("gateway")
	}
	s := &Service{tab: tab, log: logger, start: time.Now()}
	s.metric.Store(true)
	return s
}

// Start runs the service in its own goroutine.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) {
	go s.Run(ctx, conn)
}

// Run waits for config and supervises one link. It blocks until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context, conn *bus.Connection) {
	s.conn = conn
	cfgSub := conn.Subscribe(topicConfig)
	defer conn.Unsubscribe(cfgSub)

	s.publishState("idle", "awaiting_config", nil)

	for {
		select {
		case <-ctx.Done():
			s.stopCurrent()
			return
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				s.publishState("error", "config_subscription_closed", nil)
				return
			}
			var cfg Config
			if err := yamlx.Decode(msg.Payload, &cfg); err != nil {
				s.log.Error("config decode failed", "err", err)
				s.publishState("error", "config_decode_failed", err)
				continue
			}
			s.reconfigure(ctx, cfg)
		}
	}
}

func (s *Service) stopCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
}

func (s *Service) reconfigure(parent context.Context, cfg Config) {
	s.mu.Lock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
	ctx, cancel := context.WithCancel(parent)
	s.curRun = cancel
	s.mu.Unlock()

	s.metric.Store(cfg.metric())
	go s.runLink(ctx, cfg)
}

// -----------------------------------------------------------------------------
// Link supervision
// -----------------------------------------------------------------------------

func (s *Service) runLink(ctx context.Context, cfg Config) {
	tr, err := newTransport(cfg.Transport, s.log)
	if err != nil {
		s.log.Error("transport init failed", "type", cfg.Transport.Type, "err", err)
		s.publishState("error", "transport_init_failed", err)
		return
	}

	backoff := backoffSeq(250*time.Millisecond, 5*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		link, err := tr.Open(ctx)
		if err != nil {
			delay := backoff()
			s.log.Warn("dial failed", "transport", tr.String(), "err", err, "retry", delay)
			s.publishState("degraded", "dial_failed_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		s.log.Info("link up", "transport", tr.String(), "node", cfg.NodeID)
		s.publishState("up", "link_established", nil)
		if err := s.handleLink(ctx, cfg, link); err != nil {
			_ = link.Close()
			delay := backoff()
			s.log.Warn("link lost", "transport", tr.String(), "err", err, "retry", delay)
			s.publishState("degraded", "link_lost_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		// Clean close: restart only on new config.
		return
	}
}

// handleLink presents the node, then relays until ctx ends or the link
// fails.
func (s *Service) handleLink(ctx context.Context, cfg Config, link Link) error {
	if err := s.present(cfg, link); err != nil {
		return err
	}

	// One measure cycle can publish a value per entry.
	valSub := s.conn.SubscribeQueue(topicValues, 2*s.tab.Len())
	defer s.conn.Unsubscribe(valSub)
	if err := s.sendCached(cfg, link, valSub); err != nil {
		return err
	}
	hbSub := s.conn.Subscribe(topicHeartbeat)
	defer s.conn.Unsubscribe(hbSub)

	recv := link.Recv()
	for {
		select {
		case <-ctx.Done():
			_ = link.Close()
			return nil
		case err := <-link.Done():
			if err == nil {
				err = errcode.LinkDown
			}
			return err
		case m, ok := <-recv:
			if !ok {
				recv = nil // wait for Done
				continue
			}
			if err := s.handleInbound(cfg, link, m); err != nil {
				return err
			}
		case m := <-valSub.Channel():
			if m.Payload == nil {
				continue // cleared
			}
			var v types.TemperatureValue
			if err := yamlx.Decode(m.Payload, &v); err != nil {
				s.log.Debug("bad value payload", "topic", m.Topic, "err", err)
				continue
			}
			if err := link.Send(mysensors.SetTemp(cfg.NodeID, v.Channel, v.MilliC, s.metric.Load())); err != nil {
				return err
			}
		case m := <-hbSub.Channel():
			var hb types.Heartbeat
			if err := yamlx.Decode(m.Payload, &hb); err != nil {
				continue
			}
			if err := link.Send(mysensors.InternalMsg(cfg.NodeID, mysensors.IHeartbeatResponse, strconv.FormatInt(hb.UptimeMs, 10))); err != nil {
				return err
			}
		}
	}
}

// present announces the node, its sketch and one S_TEMP child per table
// entry, then asks the controller for its unit preference.
func (s *Service) present(cfg Config, link Link) error {
	name, ver := cfg.sketch()
	msgs := []mysensors.Message{
		mysensors.PresentNode(cfg.NodeID),
		mysensors.InternalMsg(cfg.NodeID, mysensors.ISketchName, name),
		mysensors.InternalMsg(cfg.NodeID, mysensors.ISketchVersion, ver),
	}
	for _, e := range s.tab.Entries() {
		msgs = append(msgs, mysensors.PresentChild(cfg.NodeID, e.ChannelID, mysensors.STemp, e.Label))
	}
	msgs = append(msgs, mysensors.InternalMsg(cfg.NodeID, mysensors.IConfig, "0"))
	for _, m := range msgs {
		if err := link.Send(m); err != nil {
			return err
		}
	}
	return nil
}

// sendCached sends every reading the table holds. The retained replay
// already queued on sub is discarded: each value in it was stored in the
// table before it was published.
func (s *Service) sendCached(cfg Config, link Link, sub *bus.Subscription) error {
	for drained := false; !drained; {
		select {
		case <-sub.Channel():
		default:
			drained = true
		}
	}
	metric := s.metric.Load()
	for _, e := range s.tab.Entries() {
		if !e.Reading.Valid {
			continue
		}
		if err := link.Send(mysensors.SetTemp(cfg.NodeID, e.ChannelID, e.Reading.MilliC, metric)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) handleInbound(cfg Config, link Link, m mysensors.Message) error {
	if m.NodeID != cfg.NodeID {
		s.forward(m)
		return nil
	}
	switch {
	case m.Command == mysensors.Req && m.Type == mysensors.VTemp:
		r, err := s.cached(m.ChildID)
		if err != nil {
			s.log.Debug("request not answered", "child", m.ChildID, "err", err)
			return nil
		}
		return link.Send(mysensors.SetTemp(cfg.NodeID, m.ChildID, r.MilliC, s.metric.Load()))
	case m.Command == mysensors.Internal && m.Type == mysensors.IConfig:
		switch m.Payload {
		case "M":
			s.metric.Store(true)
		case "I":
			s.metric.Store(false)
		default:
			s.log.Debug("ignoring I_CONFIG", "payload", m.Payload)
			return nil
		}
		s.log.Info("unit preference from controller", "metric", m.Payload == "M")
	case m.Command == mysensors.Internal && m.Type == mysensors.IPresentation:
		return s.present(cfg, link)
	case m.Command == mysensors.Internal && m.Type == mysensors.IHeartbeatRequest:
		return link.Send(mysensors.InternalMsg(cfg.NodeID, mysensors.IHeartbeatResponse, strconv.FormatInt(timex.SinceMs(s.start), 10)))
	default:
		s.forward(m)
	}
	return nil
}

// cached returns the reading of the first entry on channel that has one.
func (s *Service) cached(channel uint8) (registry.Reading, error) {
	for _, i := range s.tab.Channel(channel) {
		if e, err := s.tab.At(i); err == nil && e.Reading.Valid {
			return e.Reading, nil
		}
	}
	return registry.Reading{}, &errcode.E{C: errcode.NoReading, Op: "request", Msg: "child " + strconv.Itoa(int(channel))}
}

func (s *Service) forward(m mysensors.Message) {
	s.conn.Publish(s.conn.NewMessage(topicRx, m, false))
}

// -----------------------------------------------------------------------------
// Utilities
// -----------------------------------------------------------------------------

func (s *Service) publishState(level, status string, err error) {
	st := types.ServiceState{Level: level, Status: status, TSms: timex.NowMs()}
	if err != nil {
		st.Error = err.Error()
	}
	s.conn.Publish(s.conn.NewMessage(topicState, st, true))
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	cur := min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
