package config

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"owrelay-go/bus"
)

// -----------------------------------------------------------------------------
// String constants (live in flash, not RAM)
// -----------------------------------------------------------------------------

const (
	serviceName  = "config"
	configPrefix = "config"
)

type ctxKey string

// CtxDeviceKey is the context key carrying the device ID.
const CtxDeviceKey ctxKey = "device"

// EmbeddedConfigLookup allows overriding how configs are resolved.
var EmbeddedConfigLookup = func(device string) ([]byte, bool) {
	b, ok := embeddedConfigs[device]
	return b, ok
}

// -----------------------------------------------------------------------------
// Config Service
// -----------------------------------------------------------------------------

type ConfigService struct {
	Name string
	log  *log.Logger

	mu      sync.Mutex
	overlay map[string]any
	patches map[string]map[string]any
}

func NewConfigService(logger *log.Logger) *ConfigService {
	if logger == nil {
		logger = log.Default().WithPrefix(serviceName)
	}
	return &ConfigService{
		Name:    serviceName,
		log:     logger,
		overlay: map[string]any{},
		patches: map[string]map[string]any{},
	}
}

// Set replaces the embedded value for key. Call before Start.
func (s *ConfigService) Set(key string, v any) {
	s.mu.Lock()
	s.overlay[key] = v
	s.mu.Unlock()
}

// Patch merges fields into the embedded mapping for key. Call before Start.
func (s *ConfigService) Patch(key string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.patches[key]
	if p == nil {
		p = map[string]any{}
		s.patches[key] = p
	}
	for k, v := range fields {
		p[k] = v
	}
}

// publishConfig reads the device config from embedded YAML and publishes
// each top-level key as a retained config/<key> message.
func (s *ConfigService) publishConfig(ctx context.Context, conn *bus.Connection) error {
	device, _ := ctx.Value(CtxDeviceKey).(string)
	if device == "" {
		return errors.New("missing device ID in context")
	}

	raw, ok := EmbeddedConfigLookup(device)
	if !ok || len(raw) == 0 {
		return errors.New("no embedded config for device: " + device)
	}

	m := map[string]any{}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return errors.New("embedded config for " + device + ": " + err.Error())
	}

	s.mu.Lock()
	for k, v := range s.overlay {
		m[k] = v
	}
	for k, fields := range s.patches {
		base, _ := m[k].(map[string]any)
		merged := make(map[string]any, len(base)+len(fields))
		for f, v := range base {
			merged[f] = v
		}
		for f, v := range fields {
			merged[f] = v
		}
		m[k] = merged
	}
	s.mu.Unlock()

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		conn.Publish(conn.NewMessage(bus.T(configPrefix, k), m[k], true))
	}
	s.log.Info("published", "device", device, "keys", keys)
	return nil
}

// Start launches the config publisher in a goroutine.
func (s *ConfigService) Start(ctx context.Context, conn *bus.Connection) {
	go func() {
		if err := s.publishConfig(ctx, conn); err != nil {
			s.log.Error("publish failed", "err", err)
		}
	}()
}
