package config

// -----------------------------------------------------------------------------
// Embedded configuration
//
// Key: device ID (same value placed in ctx under CtxDeviceKey)
// Val: raw YAML for that device, one top-level key per service
// -----------------------------------------------------------------------------

// Pico with probes on GP15 and the controller on UART0 (GP0/GP1).
const cfgPico = `
onewire:
  pin: 15
sensors:
  resolution: 12
  poll_interval: 30s
  scan_interval: 10m
  report_every: 10
gateway:
  node_id: 1
  sketch_name: OneWire Relay
  sketch_version: "1.0"
  transport:
    type: uart
    uart:
      id: 0
      baud: 115200
      tx_pin: 0
      rx_pin: 1
heartbeat:
  interval: 60s
`

// Host with a serial gateway (e.g. a MySensors serial gateway on USB).
const cfgHost = `
sensors:
  resolution: 12
  poll_interval: 30s
  scan_interval: 5m
gateway:
  node_id: 1
  transport:
    type: serial
    serial:
      port: /dev/ttyUSB0
      baud: 115200
heartbeat:
  interval: 30s
`

// Host talking to a MySensors MQTT gateway.
const cfgHostMQTT = `
sensors:
  resolution: 12
  poll_interval: 30s
  scan_interval: 5m
gateway:
  node_id: 1
  transport:
    type: mqtt
    mqtt:
      broker: tcp://localhost:1883
      client_id: owrelay
      prefix_out: mygateway1-out
      prefix_in: mygateway1-in
heartbeat:
  interval: 30s
`

var embeddedConfigs = map[string][]byte{
	"pico":      []byte(cfgPico),
	"host":      []byte(cfgHost),
	"host-mqtt": []byte(cfgHostMQTT),
}
