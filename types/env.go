package types

// ------------------------
// OneWire temperature probes
// ------------------------

// SensorInfo is published retained on sensor/<idx>/info.
type SensorInfo struct {
	Index   int    `json:"index"`
	Channel uint8  `json:"channel"`
	Address string `json:"address"` // "28-19F04D0500003D"
	Label   string `json:"label"`
	Driver  string `json:"driver"` // "ds18b20"
}

// TemperatureValue is published retained on sensor/<idx>/value.
type TemperatureValue struct {
	Index   int   `json:"index"`
	Channel uint8 `json:"channel"`
	// Thousandths of °C, as returned by the DS18B20 driver.
	MilliC int32 `json:"milli_c"`
	TSms   int64 `json:"ts_ms"`
}

// UnknownProbe is published (not retained) on sensor/unknown when a scan
// finds a probe that is not in the sensor table.
type UnknownProbe struct {
	Address string `json:"address"`
	TSms    int64  `json:"ts_ms"`
}

// ScanResult is published retained on sensor/scan after each bus scan.
type ScanResult struct {
	Found   []string `json:"found"`
	Missing []int    `json:"missing"` // table indices not seen on the bus
	Unknown []string `json:"unknown"`
	TSms    int64    `json:"ts_ms"`
}

// Heartbeat is published on node/heartbeat.
type Heartbeat struct {
	UptimeMs int64 `json:"uptime_ms"`
	TSms     int64 `json:"ts_ms"`
}
