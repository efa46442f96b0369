package hardware

import (
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	SimErrInvalidChannel  = 0x0101
	SimErrInvalidProperty = 0x0102
	SimErrNotOpen         = 0x0103
	SimErrInjected        = 0x7fff

	// distance of one open loop step, in native counts
	SimStepSize = 100000
)

type SimChannel struct {
	Unit   BaseUnit `yaml:"unit"`
	Min    float64  `yaml:"min"` // travel range in mm or deg
	Max    float64  `yaml:"max"`
	Sensor bool     `yaml:"sensor"`
}

type SimConfig struct {
	Devices         []string           `yaml:"devices"`
	Version         string             `yaml:"version"`
	Channels        map[int]SimChannel `yaml:"channels"`
	CalibrationTime time.Duration      `yaml:"calibration_time"`
	ReferenceTime   time.Duration      `yaml:"reference_time"`
}

func DefaultSimConfig() SimConfig {
	return SimConfig{
		Devices: []string{"usb:sn:MCS2-00015447"},
		Version: "1.3.36",
		Channels: map[int]SimChannel{
			0: {Unit: BaseUnitMeter, Min: -20, Max: 20, Sensor: true},
			1: {Unit: BaseUnitMeter, Min: -20, Max: 20, Sensor: true},
			2: {Unit: BaseUnitDegree, Min: -180, Max: 180, Sensor: true},
			3: {Unit: BaseUnitDegree, Min: -180, Max: 180, Sensor: true},
		},
		CalibrationTime: 200 * time.Millisecond,
		ReferenceTime:   200 * time.Millisecond,
	}
}

func init() {
	Register("sim", func() Driver {
		return NewSimulator(DefaultSimConfig())
	})
}

// Simulator is an in-process MCS2 stand in. Motion runs at constant velocity
// against wall clock time and is evaluated lazily whenever a channel is touched.
type Simulator struct {
	config  SimConfig
	lock    sync.Mutex
	handles map[string]*SimHandle
}

func NewSimulator(config SimConfig) *Simulator {
	return &Simulator{
		config:  config,
		handles: make(map[string]*SimHandle),
	}
}

func (s *Simulator) FindDevices() ([]string, error) {
	return append([]string(nil), s.config.Devices...), nil
}

func (s *Simulator) Open(locator string) (Handle, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	found := false
	for _, d := range s.config.Devices {
		if d == locator {
			found = true
		}
	}
	if !found {
		return nil, &CallError{Func: "Open", Code: SimErrNotOpen}
	}

	h := newSimHandle(s.config)
	s.handles[locator] = h
	return h, nil
}

// Handle returns the last handle opened for locator, for fault injection.
func (s *Simulator) Handle(locator string) *SimHandle {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.handles[locator]
}

type simChannel struct {
	SimChannel
	min, max int64
	props    map[Property]int64

	start, target int64
	startTime     time.Time
	duration      time.Duration
	moving        bool
	stopping      bool
	hitsEndStop   bool
	endStop       bool

	calibratingUntil time.Time
	referencingUntil time.Time
	calibrated       bool
	referenced       bool
	hang             bool
}

func (c *simChannel) position(now time.Time) int64 {
	if !c.moving {
		return c.target
	}
	elapsed := now.Sub(c.startTime)
	if c.duration <= 0 || elapsed >= c.duration {
		return c.target
	}
	frac := float64(elapsed) / float64(c.duration)
	return c.start + int64(math.Round(float64(c.target-c.start)*frac))
}

func (c *simChannel) update(now time.Time) {
	if c.moving && (c.duration <= 0 || now.Sub(c.startTime) >= c.duration) {
		c.moving = false
		c.stopping = false
		c.endStop = c.hitsEndStop
	}
	if !c.calibratingUntil.IsZero() && !now.Before(c.calibratingUntil) && !c.hang {
		c.calibratingUntil = time.Time{}
		c.calibrated = true
	}
	if !c.referencingUntil.IsZero() && !now.Before(c.referencingUntil) && !c.hang {
		c.referencingUntil = time.Time{}
		c.referenced = true
		c.start, c.target = 0, 0
	}
}

func (c *simChannel) startMotion(now time.Time, to int64) {
	from := c.position(now)
	c.hitsEndStop = false
	if to > c.max {
		to = c.max
		c.hitsEndStop = true
	} else if to < c.min {
		to = c.min
		c.hitsEndStop = true
	}

	c.start, c.target, c.startTime = from, to, now
	c.endStop = false
	c.moving = from != to
	c.duration = 0

	vel := c.props[PropMoveVelocity]
	if vel > 0 {
		dist := math.Abs(float64(to - from))
		c.duration = time.Duration(dist / float64(vel) * float64(time.Second))
	}
	if !c.moving {
		c.endStop = c.hitsEndStop
	}
}

// scan maps a scan value onto the travel range.
func (c *simChannel) scan(value int64) int64 {
	return int64(math.Round(float64(c.max-c.min) * float64(value) / ScanRange))
}

func (c *simChannel) state(now time.Time) (s ChannelState) {
	if c.moving {
		s |= StateActivelyMoving | StateClosedLoopActive
	}
	if c.hang || now.Before(c.calibratingUntil) {
		if !c.calibratingUntil.IsZero() {
			s |= StateCalibrating
		}
	}
	if c.hang || now.Before(c.referencingUntil) {
		if !c.referencingUntil.IsZero() {
			s |= StateReferencing
		}
	}
	if c.Sensor {
		s |= StateSensorPresent
	}
	if c.calibrated {
		s |= StateIsCalibrated
	}
	if c.referenced {
		s |= StateIsReferenced
	}
	if c.endStop {
		s |= StateEndStopReached
	}
	return
}

// SimHandle is an open simulated controller.
type SimHandle struct {
	version  string
	calTime  time.Duration
	refTime  time.Duration
	lock     sync.Mutex
	channels map[int]*simChannel
	failures map[string]error
	closed   bool
	calls    map[string]int
}

func newSimHandle(config SimConfig) *SimHandle {
	h := &SimHandle{
		version:  config.Version,
		calTime:  config.CalibrationTime,
		refTime:  config.ReferenceTime,
		channels: make(map[int]*simChannel, len(config.Channels)),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
	for idx, ch := range config.Channels {
		h.channels[idx] = &simChannel{
			SimChannel: ch,
			min:        ToNative(ch.Min),
			max:        ToNative(ch.Max),
			props: map[Property]int64{
				PropPosBaseUnit:  int64(ch.Unit),
				PropMoveVelocity: 0,
			},
		}
	}
	return h
}

// Fail makes every call of fn fail with err until cleared with a nil err.
// fn is a method name, optionally suffixed with "@<channel>".
func (h *SimHandle) Fail(fn string, err error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if err == nil {
		delete(h.failures, fn)
		return
	}
	h.failures[fn] = err
}

// SetChannelError sets the code reported through PropChannelError.
func (h *SimHandle) SetChannelError(channel int, code int32) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if c, ok := h.channels[channel]; ok {
		c.props[PropChannelError] = int64(code)
	}
}

// HangCalibration keeps the calibrating and referencing bits of channel set forever.
func (h *SimHandle) HangCalibration(channel int, hang bool) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if c, ok := h.channels[channel]; ok {
		c.hang = hang
	}
}

// Calls reports how many times fn was invoked.
func (h *SimHandle) Calls(fn string) int {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.calls[fn]
}

func (h *SimHandle) Closed() bool {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.closed
}

// channel must be called with lock held
func (h *SimHandle) channel(fn string, idx int) (*simChannel, error) {
	h.calls[fn]++
	if h.closed {
		return nil, &CallError{Func: fn, Code: SimErrNotOpen}
	}
	if err, ok := h.failures[fmt.Sprintf("%s@%d", fn, idx)]; ok {
		return nil, err
	}
	if err, ok := h.failures[fn]; ok {
		return nil, err
	}
	c, ok := h.channels[idx]
	if !ok {
		return nil, &CallError{Func: fn, Code: SimErrInvalidChannel}
	}
	c.update(time.Now())
	return c, nil
}

func (h *SimHandle) GetPropertyI32(idx int, p Property) (int32, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if p == PropNumberOfChannels {
		h.calls["GetPropertyI32"]++
		return int32(len(h.channels)), nil
	}

	c, err := h.channel("GetPropertyI32", idx)
	if err != nil {
		return 0, err
	}

	switch p {
	case PropChannelState:
		return int32(c.state(time.Now())), nil
	case PropPosBaseUnit, PropMoveMode, PropMaxCLFrequency, PropHoldTime,
		PropCalibrationOptions, PropReferencingOptions, PropChannelError,
		PropBroadcastStopOptions, PropActuatorMode:
		return int32(c.props[p]), nil
	}
	return 0, &CallError{Func: "GetPropertyI32", Code: SimErrInvalidProperty}
}

func (h *SimHandle) GetPropertyI64(idx int, p Property) (int64, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	c, err := h.channel("GetPropertyI64", idx)
	if err != nil {
		return 0, err
	}

	switch p {
	case PropPosition:
		return c.position(time.Now()), nil
	case PropMoveVelocity, PropMoveAcceleration:
		return c.props[p], nil
	}
	return 0, &CallError{Func: "GetPropertyI64", Code: SimErrInvalidProperty}
}

func (h *SimHandle) SetPropertyI32(idx int, p Property, value int32) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	c, err := h.channel("SetPropertyI32", idx)
	if err != nil {
		return err
	}

	switch p {
	case PropMoveMode, PropMaxCLFrequency, PropHoldTime,
		PropCalibrationOptions, PropReferencingOptions,
		PropBroadcastStopOptions, PropActuatorMode:
		c.props[p] = int64(value)
		return nil
	}
	return &CallError{Func: "SetPropertyI32", Code: SimErrInvalidProperty}
}

func (h *SimHandle) SetPropertyI64(idx int, p Property, value int64) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	c, err := h.channel("SetPropertyI64", idx)
	if err != nil {
		return err
	}

	switch p {
	case PropPosition:
		c.moving, c.stopping, c.endStop = false, false, false
		c.start, c.target = value, value
		return nil
	case PropMoveVelocity, PropMoveAcceleration:
		c.props[p] = value
		return nil
	}
	return &CallError{Func: "SetPropertyI64", Code: SimErrInvalidProperty}
}

func (h *SimHandle) Move(idx int, target int64) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	c, err := h.channel("Move", idx)
	if err != nil {
		return err
	}

	now := time.Now()
	switch MoveMode(c.props[PropMoveMode]) {
	case MoveClosedLoopAbsolute:
		c.startMotion(now, target)
	case MoveClosedLoopRelative:
		c.startMotion(now, c.position(now)+target)
	case MoveScanAbsolute:
		c.startMotion(now, c.min+c.scan(target))
	case MoveScanRelative:
		c.startMotion(now, c.position(now)+c.scan(target))
	case MoveStep:
		c.startMotion(now, c.position(now)+target*SimStepSize)
	default:
		return &CallError{Func: "Move", Code: SimErrInvalidProperty}
	}
	return nil
}

// Stop decelerates on the first call and halts on the second.
func (h *SimHandle) Stop(idx int) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	c, err := h.channel("Stop", idx)
	if err != nil {
		return err
	}
	if !c.moving {
		return nil
	}

	now := time.Now()
	pos := c.position(now)
	vel := float64(c.props[PropMoveVelocity])
	acc := float64(c.props[PropMoveAcceleration])

	if c.stopping || vel <= 0 || acc <= 0 {
		c.start, c.target = pos, pos
		c.moving, c.stopping, c.hitsEndStop = false, false, false
		return nil
	}

	// brake over v^2/2a, at half the travel speed on average
	dist := vel * vel / (2 * acc)
	remaining := math.Abs(float64(c.target - pos))
	if dist > remaining {
		dist = remaining
	}
	dir := int64(1)
	if c.target < pos {
		dir = -1
	}
	c.start, c.startTime = pos, now
	c.target = pos + dir*int64(dist)
	c.duration = time.Duration(2 * dist / vel * float64(time.Second))
	c.hitsEndStop = false
	c.stopping = true
	return nil
}

func (h *SimHandle) Calibrate(idx int) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	c, err := h.channel("Calibrate", idx)
	if err != nil {
		return err
	}
	c.calibratingUntil = time.Now().Add(h.calTime)
	return nil
}

func (h *SimHandle) Reference(idx int) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	c, err := h.channel("Reference", idx)
	if err != nil {
		return err
	}
	c.referencingUntil = time.Now().Add(h.refTime)
	return nil
}

func (h *SimHandle) Version() string {
	return h.version
}

func (h *SimHandle) Close() error {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.closed = true
	return nil
}
