package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"owrelay-go/errcode"
	"owrelay-go/mysensors"
)

const (
	mqttWait  = 5 * time.Second
	mqttQueue = 16
)

type mqttTransport struct {
	cfg MQTTConfig
	log *log.Logger
}

func newMQTTTransport(cfg TransportConfig, logger *log.Logger) (Transport, error) {
	if cfg.MQTT == nil || cfg.MQTT.Broker == "" {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "mqtt transport", Msg: "mqtt.broker required"}
	}
	c := *cfg.MQTT
	if c.PrefixOut == "" {
		c.PrefixOut = mysensors.DefaultPrefixOut
	}
	if c.PrefixIn == "" {
		c.PrefixIn = mysensors.DefaultPrefixIn
	}
	if c.QoS > 2 {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "mqtt transport", Msg: "qos must be 0..2"}
	}
	if c.ClientID == "" {
		c.ClientID = "owrelay"
	}
	return &mqttTransport{cfg: c, log: logger}, nil
}

func (t *mqttTransport) String() string { return "mqtt" }

// Open connects and subscribes to the inbound prefix. Reconnection is left
// to the gateway's supervisor so link state stays visible on the bus.
func (t *mqttTransport) Open(ctx context.Context) (Link, error) {
	l := newMQTTLink(t.cfg, t.log, mqttQueue)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.cfg.Broker)
	opts.SetClientID(t.cfg.ClientID)
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(mqttWait)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { l.fail(err) })

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		// The connect may still be in flight; do not leave it behind.
		client.Disconnect(0)
		return nil, err
	}
	l.client = client

	if err := wait(ctx, client.Subscribe(mysensors.SubscribeTopic(t.cfg.PrefixIn), t.cfg.QoS, l.onMessage)); err != nil {
		client.Disconnect(250)
		return nil, err
	}
	t.log.Info("mqtt connected", "broker", t.cfg.Broker, "in", t.cfg.PrefixIn, "out", t.cfg.PrefixOut)
	return l, nil
}

type mqttLink struct {
	cfg    MQTTConfig
	log    *log.Logger
	client mqtt.Client
	recv   chan mysensors.Message
	done   chan error

	closing   chan struct{}
	closeOnce sync.Once
	failOnce  sync.Once
}

func newMQTTLink(cfg MQTTConfig, logger *log.Logger, queue int) *mqttLink {
	return &mqttLink{
		cfg:     cfg,
		log:     logger,
		recv:    make(chan mysensors.Message, queue),
		done:    make(chan error, 1),
		closing: make(chan struct{}),
	}
}

func (l *mqttLink) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m, err := mysensors.ParseTopic(l.cfg.PrefixIn, msg.Topic(), msg.Payload())
	if err != nil {
		l.log.Debug("dropping inbound mqtt message", "topic", msg.Topic(), "err", err)
		return
	}
	// Never block paho's router.
	select {
	case l.recv <- m:
	case <-l.closing:
	default:
		l.log.Warn("inbound queue full, dropping", "topic", msg.Topic())
	}
}

func (l *mqttLink) fail(err error) {
	l.failOnce.Do(func() {
		if err == nil {
			err = errors.New("mqtt connection lost")
		}
		l.done <- err
	})
}

func (l *mqttLink) Send(m mysensors.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	tok := l.client.Publish(mysensors.Topic(l.cfg.PrefixOut, m), l.cfg.QoS, false, m.Payload)
	if !tok.WaitTimeout(mqttWait) {
		return &errcode.E{C: errcode.Timeout, Op: "mqtt publish"}
	}
	return tok.Error()
}

func (l *mqttLink) Recv() <-chan mysensors.Message { return l.recv }
func (l *mqttLink) Done() <-chan error             { return l.done }

func (l *mqttLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.closing)
		l.client.Disconnect(250)
		l.fail(errors.New("closed"))
	})
	return nil
}

// wait blocks on a paho token, giving up on ctx or after mqttWait.
func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mqttWait):
		return &errcode.E{C: errcode.Timeout, Op: "mqtt"}
	}
}
