// Package platform provides the board-specific pieces: the OneWire master
// and the byte streams the gateway dials. RP2 builds use GPIO and UART
// peripherals; host builds use a serial device and a simulated bus.
package platform
