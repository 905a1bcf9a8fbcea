package types

// ---- Common service state (retained) ----

// ServiceState is published retained on <service>/state.
type ServiceState struct {
	Level  string `json:"level" yaml:"level"`   // e.g. "idle", "up", "degraded", "error", "stopped"
	Status string `json:"status" yaml:"status"` // short machine string
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
	TSms   int64  `json:"ts_ms" yaml:"ts_ms"`
}

// Link is the link/state reported for a sensor or the gateway.
type Link string

const (
	LinkUp       Link = "up"
	LinkDown     Link = "down"
	LinkDegraded Link = "degraded"
)

// SensorStatus is published retained on sensor/<idx>/status.
type SensorStatus struct {
	Link  Link   `json:"link"`
	TSms  int64  `json:"ts_ms"`
	Error string `json:"error,omitempty"`
}
