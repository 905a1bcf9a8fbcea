// Package registry holds the sensor table: the fixed, ordered mapping from
// OneWire probe address to MySensors child id, display label and last
// reading. The table is built once at startup; only readings change after
// that.
package registry

import (
	"strconv"
	"sync"

	"owrelay-go/errcode"
)

// LegacyNoReading is the "no reading yet" placeholder (°C) used by
// hand-written sensor tables. Config loaders map it to an unset Reading.
const LegacyNoReading = -1000

// DS18B20 measurement range in thousandths of °C.
const (
	MinMilliC = -55000
	MaxMilliC = 125000
)

// Reading is an optional measurement. The zero value means no reading yet.
type Reading struct {
	MilliC int32 // thousandths of °C
	TSms   int64 // unix ms of the measurement
	Valid  bool
}

// Celsius is a convenience for display code.
func (r Reading) Celsius() float64 { return float64(r.MilliC) / 1000 }

// Entry is a snapshot of one table row.
type Entry struct {
	ChannelID uint8
	Address   Address
	Label     string
	Reading   Reading
}

// Spec is the construction input. Count is the declared number of entries;
// zero means "not declared" and the length of Entries is used.
type Spec struct {
	Count   int
	Entries []Entry
}

// Table is safe for concurrent use. Identity fields are immutable after New.
type Table struct {
	mu      sync.RWMutex
	entries []Entry
}

// New validates spec and builds the table.
func New(spec Spec) (*Table, error) {
	if spec.Count < 0 {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "registry", Msg: "negative count"}
	}
	if spec.Count != 0 && spec.Count != len(spec.Entries) {
		return nil, &errcode.E{
			C:   errcode.ConfigMismatch,
			Op:  "registry",
			Msg: "declared " + strconv.Itoa(spec.Count) + " sensors, table has " + strconv.Itoa(len(spec.Entries)),
		}
	}

	seen := make(map[Address]int, len(spec.Entries))
	entries := make([]Entry, len(spec.Entries))
	for i, e := range spec.Entries {
		if e.Address.IsZero() {
			return nil, &errcode.E{C: errcode.InvalidAddress, Op: "registry", Msg: "entry " + strconv.Itoa(i) + " has no address"}
		}
		if j, dup := seen[e.Address]; dup {
			return nil, &errcode.E{
				C:   errcode.DuplicateAddress,
				Op:  "registry",
				Msg: e.Address.String() + " used by entries " + strconv.Itoa(j) + " and " + strconv.Itoa(i),
			}
		}
		seen[e.Address] = i
		entries[i] = e
	}
	return &Table{entries: entries}, nil
}

// Len is the number of entries.
func (t *Table) Len() int { return len(t.entries) }

// At returns a snapshot of entry i.
func (t *Table) At(i int) (Entry, error) {
	if i < 0 || i >= len(t.entries) {
		return Entry{}, errIndex(i)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[i], nil
}

// Entries returns an ordered copy of the table.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Lookup scans for addr. The bool is false when addr is not in the table.
func (t *Table) Lookup(addr Address) (Entry, int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := range t.entries {
		if t.entries[i].Address == addr {
			return t.entries[i], i, true
		}
	}
	return Entry{}, -1, false
}

// SetReading stores a measurement for entry i. changed reports whether the
// value differs from the previous valid reading (or there was none).
func (t *Table) SetReading(i int, milliC int32, tsMs int64) (changed bool, err error) {
	if i < 0 || i >= len(t.entries) {
		return false, errIndex(i)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.entries[i].Reading
	t.entries[i].Reading = Reading{MilliC: milliC, TSms: tsMs, Valid: true}
	return !prev.Valid || prev.MilliC != milliC, nil
}

// SetReadingByAddress is SetReading keyed by probe address. An address that
// is not in the table yields an UnknownAddress error; callers log it and
// drop the reading.
func (t *Table) SetReadingByAddress(addr Address, milliC int32, tsMs int64) (index int, changed bool, err error) {
	_, i, ok := t.Lookup(addr)
	if !ok {
		return -1, false, &errcode.E{C: errcode.UnknownAddress, Op: "registry", Msg: addr.String()}
	}
	changed, err = t.SetReading(i, milliC, tsMs)
	return i, changed, err
}

// ClearReading resets entry i to "no reading yet".
func (t *Table) ClearReading(i int) error {
	if i < 0 || i >= len(t.entries) {
		return errIndex(i)
	}
	t.mu.Lock()
	t.entries[i].Reading = Reading{}
	t.mu.Unlock()
	return nil
}

// Channel returns the indices of all entries on channel id, in table order.
func (t *Table) Channel(id uint8) []int {
	var out []int
	for i := range t.entries {
		if t.entries[i].ChannelID == id {
			out = append(out, i)
		}
	}
	return out
}

// SharedChannels lists channel ids used by more than one entry.
func (t *Table) SharedChannels() map[uint8][]int {
	by := map[uint8][]int{}
	for i := range t.entries {
		id := t.entries[i].ChannelID
		by[id] = append(by[id], i)
	}
	for id, idx := range by {
		if len(idx) < 2 {
			delete(by, id)
		}
	}
	return by
}

func errIndex(i int) error {
	return &errcode.E{C: errcode.InvalidParams, Op: "registry", Msg: "no entry " + strconv.Itoa(i)}
}
