// Package owsim simulates a OneWire bus populated with DS18B20 probes.
//
// It speaks the byte-level API of tinygo.org/x/drivers/onewire.Device
// (Select, Write, Read, Search and the driver's CRC helper), so the real
// ds18b20 driver runs against it unchanged on a host. Timing is not
// simulated: a conversion completes as soon as CONVERT_T is written.
package owsim

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"sync"
)

// OneWire ROM and function commands understood by the simulator.
const (
	cmdSearchROM     uint8 = 0xF0
	cmdAlarmSearch   uint8 = 0xEC
	cmdConvertT      uint8 = 0x44
	cmdReadScratch   uint8 = 0xBE
	cmdWriteScratch  uint8 = 0x4E
	powerOnRaw       int16 = 0x0550 // 85 °C, returned before the first conversion
	defaultConfigReg uint8 = 0x7F   // 12-bit
)

// Same text as the tinygo onewire driver so callers can map errors uniformly.
var errNoPresence = errors.New("Error: OneWire. No devices on the bus.")

// Probe is one simulated DS18B20.
type Probe struct {
	mu      sync.Mutex
	rom     [8]byte
	milliC  int32
	present bool
	corrupt bool
	wobble  int32

	raw    int16 // last converted value
	th, tl uint8
	cfg    uint8
}

// NewProbe returns a present probe at milliC. The ROM's last byte is
// replaced by the correct CRC.
func NewProbe(rom [8]byte, milliC int32) *Probe {
	rom[7] = CRC8(rom[:7])
	return &Probe{rom: rom, milliC: milliC, present: true, raw: powerOnRaw, th: 0x4B, tl: 0x46, cfg: defaultConfigReg}
}

// NewProbeRaw keeps the ROM exactly as given, CRC byte included.
func NewProbeRaw(rom [8]byte, milliC int32) *Probe {
	p := NewProbe(rom, milliC)
	p.rom = rom
	return p
}

func (p *Probe) ROM() [8]byte { return p.rom }

// SetMilliC sets the temperature the next conversion will latch.
func (p *Probe) SetMilliC(v int32) {
	p.mu.Lock()
	p.milliC = v
	p.mu.Unlock()
}

// SetPresent attaches or detaches the probe from the bus.
func (p *Probe) SetPresent(on bool) {
	p.mu.Lock()
	p.present = on
	p.mu.Unlock()
}

// SetCorrupt makes scratchpad reads fail their CRC.
func (p *Probe) SetCorrupt(on bool) {
	p.mu.Lock()
	p.corrupt = on
	p.mu.Unlock()
}

// SetWobble adds a random walk of up to ±step milli-°C per conversion.
func (p *Probe) SetWobble(step int32) {
	p.mu.Lock()
	p.wobble = step
	p.mu.Unlock()
}

// Resolution reports the configured resolution in bits (9..12).
func (p *Probe) Resolution() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return 9 + (p.cfg>>5)&0x03
}

func (p *Probe) isPresent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.present
}

func (p *Probe) convert(rng *rand.Rand) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wobble > 0 && rng != nil {
		p.milliC += rng.Int31n(2*p.wobble+1) - p.wobble
	}
	raw := int32(math.Round(float64(p.milliC) * 16 / 1000))
	if raw > math.MaxInt16 {
		raw = math.MaxInt16
	}
	if raw < math.MinInt16 {
		raw = math.MinInt16
	}
	// Lower resolutions leave the low bits undefined; the part reads them as 0.
	res := 9 + (p.cfg>>5)&0x03
	mask := int16(-1) << (12 - res)
	p.raw = int16(raw) & mask
}

func (p *Probe) scratchpad() [9]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var sp [9]byte
	sp[0] = byte(uint16(p.raw))
	sp[1] = byte(uint16(p.raw) >> 8)
	sp[2] = p.th
	sp[3] = p.tl
	sp[4] = p.cfg
	sp[5] = 0xFF
	sp[6] = 0x0C
	sp[7] = 0x10
	sp[8] = CRC8(sp[:8])
	if p.corrupt {
		sp[8] ^= 0xA5
	}
	return sp
}

func (p *Probe) writeScratch(i int, b uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch i {
	case 0:
		p.th = b
	case 1:
		p.tl = b
	case 2:
		p.cfg = (b & 0x60) | 0x1F
	}
}

// ---------------------------------------------------------------------------
// Bus
// ---------------------------------------------------------------------------

type phase uint8

const (
	phaseIdle phase = iota
	phaseFunction
	phaseWriteScratch
)

// Bus is a simulated OneWire segment. It is safe for concurrent use, though
// like a real bus a transaction must not be interleaved.
type Bus struct {
	mu       sync.Mutex
	probes   []*Probe
	selected []*Probe
	phase    phase
	out      []byte
	wrIndex  int
	rng      *rand.Rand

	conversions int
}

// New returns a bus carrying probes.
func New(probes ...*Probe) *Bus {
	return &Bus{probes: probes, rng: rand.New(rand.NewSource(1))}
}

// Attach adds a probe to the segment.
func (b *Bus) Attach(p *Probe) {
	b.mu.Lock()
	b.probes = append(b.probes, p)
	b.mu.Unlock()
}

// Probes returns the attached probes, present or not.
func (b *Bus) Probes() []*Probe {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Probe(nil), b.probes...)
}

// Conversions counts CONVERT_T commands seen.
func (b *Bus) Conversions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conversions
}

func (b *Bus) present() []*Probe {
	var out []*Probe
	for _, p := range b.probes {
		if p.isPresent() {
			out = append(out, p)
		}
	}
	return out
}

// Reset issues a reset pulse and reports presence.
func (b *Bus) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phase = phaseIdle
	b.out = nil
	b.selected = nil
	if len(b.present()) == 0 {
		return errNoPresence
	}
	return nil
}

// Select resets the bus and addresses romid, or every probe when romid is
// empty (SKIP ROM).
func (b *Bus) Select(romid []uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = nil
	b.phase = phaseIdle
	b.selected = nil
	live := b.present()
	if len(live) == 0 {
		return errNoPresence
	}
	if len(romid) == 0 {
		b.selected = live
	} else {
		for _, p := range live {
			if len(romid) >= 8 && bytes.Equal(p.rom[:], romid[:8]) {
				b.selected = []*Probe{p}
				break
			}
		}
	}
	b.phase = phaseFunction
	return nil
}

// Write sends one byte.
func (b *Bus) Write(v uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.phase {
	case phaseFunction:
		switch v {
		case cmdConvertT:
			b.conversions++
			for _, p := range b.selected {
				p.convert(b.rng)
			}
			b.phase = phaseIdle
		case cmdReadScratch:
			b.out = b.readScratch()
			b.phase = phaseIdle
		case cmdWriteScratch:
			b.phase = phaseWriteScratch
			b.wrIndex = 0
		default:
			b.phase = phaseIdle
		}
	case phaseWriteScratch:
		for _, p := range b.selected {
			p.writeScratch(b.wrIndex, v)
		}
		b.wrIndex++
		if b.wrIndex == 3 {
			b.phase = phaseIdle
		}
	}
}

// readScratch wire-ANDs the scratchpads of all selected probes, as
// simultaneous responders do on open-drain.
func (b *Bus) readScratch() []byte {
	if len(b.selected) == 0 {
		return nil
	}
	acc := [9]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	for _, p := range b.selected {
		sp := p.scratchpad()
		for i := range acc {
			acc[i] &= sp[i]
		}
	}
	return acc[:]
}

// Read receives one byte. An idle line reads as 0xFF.
func (b *Bus) Read() uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.out) == 0 {
		return 0xFF
	}
	v := b.out[0]
	b.out = b.out[1:]
	return v
}

// Search returns the ROM ids of all present probes. cmd is SEARCH ROM
// (0xF0) or ALARM SEARCH (0xEC); the simulator never raises alarms.
func (b *Bus) Search(cmd uint8) ([][]uint8, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phase = phaseIdle
	b.out = nil
	live := b.present()
	if len(live) == 0 {
		return nil, errNoPresence
	}
	if cmd == cmdAlarmSearch {
		return [][]uint8{}, nil
	}
	out := make([][]uint8, 0, len(live))
	for _, p := range live {
		rom := p.rom
		out = append(out, rom[:])
	}
	return out, nil
}

// Сrc8 matches the (Cyrillic С) method name of the tinygo onewire driver,
// which is what ds18b20.OneWireDevice requires.
func (b *Bus) Сrc8(buffer []uint8) uint8 { return CRC8(buffer) }

// CRC8 is the Dallas/Maxim 1-Wire CRC (x^8 + x^5 + x^4 + 1, LSB first).
// Running it over data followed by its CRC yields 0.
func CRC8(buf []uint8) uint8 {
	var crc uint8
	for _, v := range buf {
		for i := 0; i < 8; i++ {
			mix := (crc ^ v) & 0x01
			crc >>= 1
			if mix != 0 {
				crc ^= 0x8C
			}
			v >>= 1
		}
	}
	return crc
}
