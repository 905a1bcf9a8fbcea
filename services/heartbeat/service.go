package heartbeat

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"owrelay-go/bus"
	"owrelay-go/types"
	"owrelay-go/x/timex"
	"owrelay-go/x/yamlx"
)

var (
	topicConfigHeartbeat = bus.T("config", "heartbeat")
	topicHeartbeat       = bus.T("node", "heartbeat")
)

const defaultInterval = 30 * time.Second

// Config is the payload expected on config/heartbeat.
type Config struct {
	Interval time.Duration `yaml:"interval"`
}

type Service struct {
	Log *log.Logger

	start time.Time
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(topicConfigHeartbeat)
	defer conn.Unsubscribe(cfgSub)

	tick := time.NewTicker(defaultInterval)
	defer tick.Stop()

	// loop until context is cancelled, respond to tick and config changes
	for {
		select {
		case <-ctx.Done():
			s.Log.Info("stopping")
			return
		case <-tick.C:
			up := timex.SinceMs(s.start)
			s.Log.Debug("heartbeat", "uptime_ms", up)
			conn.Publish(conn.NewMessage(topicHeartbeat, types.Heartbeat{UptimeMs: up, TSms: timex.NowMs()}, false))
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				return
			}
			var cfg Config
			if err := yamlx.Decode(msg.Payload, &cfg); err != nil {
				s.Log.Warn("bad config", "err", err)
				continue
			}
			if cfg.Interval <= 0 {
				s.Log.Warn("ignoring non-positive interval", "interval", cfg.Interval)
				continue
			}
			tick.Reset(cfg.Interval)
			s.Log.Info("interval set", "interval", cfg.Interval)
		}
	}
}

// Start the heartbeat service.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	if s.Log == nil {
		s.Log = log.Default().WithPrefix("heartbeat")
	}
	s.start = time.Now()
	go s.serviceLoop(ctx, conn)
	return nil
}
