// Package sensors polls DS18B20 probes on a OneWire bus and publishes their
// readings. The sensor table is the single source of truth for which probes
// are expected; anything else found on the bus is reported and ignored.
package sensors

import (
	"context"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"tinygo.org/x/drivers/ds18b20"

	"owrelay-go/bus"
	"owrelay-go/errcode"
	"owrelay-go/sensors/registry"
	"owrelay-go/types"
	"owrelay-go/x/mathx"
	"owrelay-go/x/poller"
	"owrelay-go/x/timex"
	"owrelay-go/x/yamlx"
)

// Bus is the OneWire access the service needs. onewire.Device and the
// owsim simulator both satisfy it.
type Bus interface {
	ds18b20.OneWireDevice
	Search(cmd uint8) ([][]uint8, error)
}

// job is a unit of periodic probe work. Its string form is the last level
// of the sensor/control topic that runs it on demand.
type job uint8

const (
	jobMeasure job = iota
	jobScan
)

func (j job) String() string {
	switch j {
	case jobMeasure:
		return "measure"
	case jobScan:
		return "scan"
	}
	return "job(" + strconv.Itoa(int(j)) + ")"
}

func parseJob(s string) (job, bool) {
	for _, j := range []job{jobMeasure, jobScan} {
		if j.String() == s {
			return j, true
		}
	}
	return 0, false
}

const (
	driverName = "ds18b20"
	searchROM  = uint8(0xF0)
)

var (
	topicConfig  = bus.T("config", "sensors")
	topicControl = bus.T("sensor", "control", "+")
	topicUnknown = bus.T("sensor", "unknown")
	topicScan    = bus.T("sensor", "scan")
)

func topicInfo(i int) bus.Topic   { return bus.T("sensor", i, "info") }
func topicStatus(i int) bus.Topic { return bus.T("sensor", i, "status") }
func topicValue(i int) bus.Topic  { return bus.T("sensor", i, "value") }

// Config controls polling. Zero values take defaults, except ScanInterval
// where zero means scan at startup only.
type Config struct {
	Resolution   uint8         `yaml:"resolution,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	ScanInterval time.Duration `yaml:"scan_interval,omitempty"`
	// ReportEvery forces a value publish every N polls even when the
	// reading did not change. Zero publishes on change only.
	ReportEvery int           `yaml:"report_every,omitempty"`
	Jitter      time.Duration `yaml:"jitter,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.Resolution == 0 {
		c.Resolution = 12
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.ScanInterval < 0 {
		c.ScanInterval = 0
	}
	if c.ReportEvery < 0 {
		c.ReportEvery = 0
	}
	return c
}

func (c Config) validate() error {
	if !mathx.Between(c.Resolution, 9, 12) {
		return &errcode.E{C: errcode.InvalidParams, Op: "sensors config", Msg: "resolution must be 9..12"}
	}
	return nil
}

// ConversionTime is how long a DS18B20 needs for one conversion.
func ConversionTime(res uint8) time.Duration {
	res = mathx.Clamp(res, 9, 12)
	return 750 * time.Millisecond >> (12 - res)
}

type probeState struct {
	seen bool
	link types.Link
	code errcode.Code
}

// Service owns the OneWire bus. Only the Run goroutine touches it.
type Service struct {
	tab *registry.Table
	ow  Bus
	drv ds18b20.Device
	log *log.Logger
	cfg Config

	conn     *bus.Connection
	convWait func(res uint8) time.Duration
	polls    int
	state    []probeState
}

// New returns a service for tab on ow. A nil logger uses the default
// logger with a "sensors" prefix.
func New(tab *registry.Table, ow Bus, cfg Config, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default().WithPrefix("sensors")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		logger.Warn("bad config, using 12-bit", "err", err)
		cfg.Resolution = 12
	}
	return &Service{
		tab:      tab,
		ow:       ow,
		drv:      ds18b20.New(ow),
		log:      logger,
		cfg:      cfg,
		convWait: ConversionTime,
		state:    make([]probeState, tab.Len()),
	}
}

// Start runs the service in its own goroutine.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) {
	go s.Run(ctx, conn)
}

// Run blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context, conn *bus.Connection) {
	s.conn = conn
	cfgSub := conn.Subscribe(topicConfig)
	defer conn.Unsubscribe(cfgSub)
	ctlSub := conn.Subscribe(topicControl)
	defer conn.Unsubscribe(ctlSub)

	// A retained config is already queued; take it before touching probes.
	select {
	case m := <-cfgSub.Channel():
		s.applyConfig(m.Payload, nil)
	default:
	}

	s.announce()
	s.applyResolution()
	s.scan()
	s.measure(ctx)

	reqs := make(chan poller.Req[job], 4)
	p := poller.New[job](reqs)
	s.schedule(p)
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.Run(pctx)

	s.log.Info("running", "sensors", s.tab.Len(), "resolution", s.cfg.Resolution, "poll", s.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("stopping")
			return
		case r := <-reqs:
			s.dispatch(ctx, r.Key)
		case m, ok := <-ctlSub.Channel():
			if !ok {
				return
			}
			name, _ := m.Topic.At(2).(string)
			j, ok := parseJob(name)
			if !ok {
				s.log.Debug("ignoring control", "topic", name)
				continue
			}
			s.dispatch(ctx, j)
			p.BumpAfter(j, time.Now())
		case m, ok := <-cfgSub.Channel():
			if !ok {
				return
			}
			s.applyConfig(m.Payload, p)
		}
	}
}

func (s *Service) dispatch(ctx context.Context, j job) {
	switch j {
	case jobMeasure:
		s.measure(ctx)
	case jobScan:
		s.scan()
	}
}

func (s *Service) schedule(p *poller.Poller[job]) {
	p.Upsert(jobMeasure, s.cfg.PollInterval, s.cfg.Jitter)
	if s.cfg.ScanInterval > 0 {
		p.Upsert(jobScan, s.cfg.ScanInterval, s.cfg.Jitter)
	} else {
		p.Stop(jobScan)
	}
}

// applyConfig merges a bus payload into the current config. p is nil
// before the scheduler exists.
func (s *Service) applyConfig(payload any, p *poller.Poller[job]) {
	next := s.cfg
	if err := yamlx.Decode(payload, &next); err != nil {
		s.log.Warn("config decode failed", "err", err)
		return
	}
	next = next.withDefaults()
	if err := next.validate(); err != nil {
		s.log.Warn("config rejected", "err", err)
		return
	}
	resChanged := next.Resolution != s.cfg.Resolution
	s.cfg = next
	s.log.Info("config applied", "resolution", next.Resolution, "poll", next.PollInterval, "scan", next.ScanInterval, "report_every", next.ReportEvery)
	if p == nil {
		return
	}
	if resChanged {
		s.applyResolution()
	}
	s.schedule(p)
}

// ---- probe work ----

func (s *Service) announce() {
	ts := timex.NowMs()
	for i, e := range s.tab.Entries() {
		s.conn.Publish(s.conn.NewMessage(topicInfo(i), types.SensorInfo{
			Index:   i,
			Channel: e.ChannelID,
			Address: e.Address.String(),
			Label:   e.Label,
			Driver:  driverName,
		}, true))
		s.state[i] = probeState{link: types.LinkDown}
		s.conn.Publish(s.conn.NewMessage(topicStatus(i), types.SensorStatus{Link: types.LinkDown, TSms: ts}, true))
		if e.Reading.Valid {
			s.publishValue(i, e)
		}
	}
}

func (s *Service) applyResolution() {
	for _, e := range s.tab.Entries() {
		s.drv.ThermometerResolution(e.Address.Bytes(), s.cfg.Resolution)
	}
}

// scan enumerates the bus, marks table entries present or missing and
// reports probes the table does not know.
func (s *Service) scan() {
	res := types.ScanResult{Found: []string{}, Missing: []int{}, Unknown: []string{}, TSms: timex.NowMs()}
	roms, err := s.ow.Search(searchROM)
	if err != nil {
		if errcode.MapDriverErr(err) != errcode.NoPresence {
			s.log.Warn("bus scan failed", "err", err)
			return
		}
		s.log.Warn("no probes answered the bus scan")
	}

	found := make([]bool, s.tab.Len())
	for _, rom := range roms {
		addr, err := registry.AddressFromBytes(rom)
		if err != nil {
			s.log.Warn("bad ROM id from scan", "rom", rom, "err", err)
			continue
		}
		res.Found = append(res.Found, addr.String())
		if _, idx, ok := s.tab.Lookup(addr); ok {
			found[idx] = true
			continue
		}
		s.log.Warn("unknown probe on bus, add it to the sensor table to use it", "address", addr.String())
		res.Unknown = append(res.Unknown, addr.String())
		s.conn.Publish(s.conn.NewMessage(topicUnknown, types.UnknownProbe{Address: addr.String(), TSms: res.TSms}, false))
	}

	for i, ok := range found {
		s.state[i].seen = ok
		if !ok {
			res.Missing = append(res.Missing, i)
			s.setStatus(i, types.LinkDown, errcode.NoPresence, nil)
		}
	}
	s.log.Debug("scan complete", "found", len(res.Found), "missing", len(res.Missing), "unknown", len(res.Unknown))
	s.conn.Publish(s.conn.NewMessage(topicScan, res, true))
}

// measure converts all probes at once, then reads each table entry.
func (s *Service) measure(ctx context.Context) {
	if s.tab.Len() == 0 {
		return
	}
	s.polls++
	force := s.cfg.ReportEvery > 0 && s.polls%s.cfg.ReportEvery == 0

	if err := s.ow.Select(nil); err != nil {
		code := errcode.MapDriverErr(err)
		for i := range s.state {
			s.setStatus(i, types.LinkDown, code, err)
		}
		return
	}
	s.drv.RequestTemperature(nil)
	if !sleep(ctx, s.convWait(s.cfg.Resolution)) {
		return
	}

	for i, e := range s.tab.Entries() {
		v, err := s.drv.ReadTemperature(e.Address.Bytes())
		if err != nil {
			link := types.LinkDegraded
			code := errcode.MapDriverErr(err)
			if !s.state[i].seen {
				link, code = types.LinkDown, errcode.NoPresence
			}
			s.setStatus(i, link, code, err)
			continue
		}
		if !mathx.Between(v, registry.MinMilliC, registry.MaxMilliC) {
			s.setStatus(i, types.LinkDegraded, errcode.OutOfRange, nil)
			continue
		}
		ts := timex.NowMs()
		changed, err := s.tab.SetReading(i, v, ts)
		if err != nil {
			s.log.Error("set reading", "index", i, "err", err)
			continue
		}
		s.state[i].seen = true
		s.setStatus(i, types.LinkUp, errcode.OK, nil)
		if changed || force {
			e.Reading = registry.Reading{MilliC: v, TSms: ts, Valid: true}
			s.publishValue(i, e)
		}
	}
}

func (s *Service) publishValue(i int, e registry.Entry) {
	s.conn.Publish(s.conn.NewMessage(topicValue(i), types.TemperatureValue{
		Index:   i,
		Channel: e.ChannelID,
		MilliC:  e.Reading.MilliC,
		TSms:    e.Reading.TSms,
	}, true))
}

// dropReading forgets the reading of a probe that left the bus so requests
// are not answered with a stale value. The retained value is cleared too.
func (s *Service) dropReading(i int) {
	e, err := s.tab.At(i)
	if err != nil || !e.Reading.Valid {
		return
	}
	if err := s.tab.ClearReading(i); err != nil {
		s.log.Error("clear reading", "index", i, "err", err)
		return
	}
	s.conn.Publish(s.conn.NewMessage(topicValue(i), nil, true))
}

// setStatus publishes the retained status when the link or code changes.
func (s *Service) setStatus(i int, link types.Link, code errcode.Code, cause error) {
	if link == types.LinkDown {
		s.dropReading(i)
	}
	st := &s.state[i]
	if st.link == link && st.code == code {
		return
	}
	st.link, st.code = link, code

	e, _ := s.tab.At(i)
	if link == types.LinkUp {
		s.log.Info("probe up", "index", i, "label", e.Label)
	} else {
		s.log.Warn("probe "+string(link), "index", i, "label", e.Label, "address", e.Address.String(), "code", code, "err", cause)
	}

	payload := types.SensorStatus{Link: link, TSms: timex.NowMs()}
	if code != errcode.OK {
		payload.Error = string(code)
	}
	s.conn.Publish(s.conn.NewMessage(topicStatus(i), payload, true))
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
