package hardware

import (
	"context"
	"sync"
	"time"

	deverr "github.com/CodedInternet/nanostage/onboard/errors"
	"github.com/go-gl/mathgl/mgl64"
)

const (
	// native fixed-point counts per mm or degree
	UnitScale = 1e9

	DefaultMovePoll  = 10 * time.Millisecond
	DefaultStatePoll = 100 * time.Millisecond
)

type UnitKind int

const (
	UnitLinear UnitKind = iota + 1
	UnitRotary
)

func (k UnitKind) String() string {
	switch k {
	case UnitLinear:
		return "mm"
	case UnitRotary:
		return "deg"
	}
	return ""
}

// UnitKindOf treats every base unit other than meter as rotary, the same as
// the vendor's own tools do for positioners without a reported unit.
func UnitKindOf(b BaseUnit) UnitKind {
	if b == BaseUnitMeter {
		return UnitLinear
	}
	return UnitRotary
}

func ToNative(v float64) int64 {
	return int64(mgl64.Round(v*UnitScale, 0))
}

func FromNative(v int64) float64 {
	return float64(v) / UnitScale
}

// Axis is one channel of an open controller. Every call that touches the
// handle holds lock, so two goroutines never talk to the same channel at once.
type Axis struct {
	Index int
	Name  string
	Unit  UnitKind

	// poll interval used while waiting for a move to finish
	MovePoll time.Duration

	handle Handle
	lock   sync.Mutex

	velocity, acceleration float64
}

func NewAxis(handle Handle, index int) *Axis {
	return &Axis{
		Index:    index,
		MovePoll: DefaultMovePoll,
		handle:   handle,
	}
}

func (a *Axis) callErr(fn string, err error) error {
	if err == nil {
		return nil
	}
	code := -1
	if ce, ok := err.(*CallError); ok {
		code = ce.Code
	}
	return deverr.HardwareCallError{Func: fn, Code: code, Axis: a.Index, Err: err}
}

func (a *Axis) MoveAbsolute(ctx context.Context, target float64, wait bool) error {
	return a.Move(ctx, MoveClosedLoopAbsolute, target, wait)
}

func (a *Axis) MoveRelative(ctx context.Context, delta float64, wait bool) error {
	return a.Move(ctx, MoveClosedLoopRelative, delta, wait)
}

// Move sets the move mode and issues the move. value is in engineering units
// for closed loop modes and passed through unscaled otherwise.
func (a *Axis) Move(ctx context.Context, mode MoveMode, value float64, wait bool) error {
	native := ToNative(value)
	if !mode.ClosedLoop() {
		native = int64(mgl64.Round(value, 0))
	}

	a.lock.Lock()
	err := a.handle.SetPropertyI32(a.Index, PropMoveMode, int32(mode))
	if err != nil {
		a.lock.Unlock()
		return a.callErr("SetProperty_i32(MOVE_MODE)", err)
	}
	err = a.handle.Move(a.Index, native)
	a.lock.Unlock()
	if err != nil {
		return a.callErr("Move", err)
	}

	if !wait {
		return nil
	}
	return a.WaitDone(ctx)
}

// WaitDone polls until the channel is no longer moving. The lock is only held
// for each poll so Stop and readers can get in between.
func (a *Axis) WaitDone(ctx context.Context) error {
	return a.WaitStopped(ctx, nil)
}

// WaitStopped is WaitDone that survives failed polls. Each failure is passed
// to pollErr and polling carries on; only ctx ends the wait early. A nil
// pollErr returns the first failure instead.
func (a *Axis) WaitStopped(ctx context.Context, pollErr func(error)) error {
	interval := a.MovePoll
	if interval <= 0 {
		interval = DefaultMovePoll
	}

	for {
		moving, err := a.IsMoving()
		switch {
		case err != nil && pollErr == nil:
			return err
		case err != nil:
			pollErr(err)
		case !moving:
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (a *Axis) state() (ChannelState, error) {
	raw, err := a.handle.GetPropertyI32(a.Index, PropChannelState)
	if err != nil {
		return 0, a.callErr("GetProperty_i32(CHANNEL_STATE)", err)
	}
	return ChannelState(raw), nil
}

func (a *Axis) State() (ChannelState, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.state()
}

// IsMoving reports false once an end stop has been hit, whatever the
// actively moving bit says.
func (a *Axis) IsMoving() (bool, error) {
	s, err := a.State()
	if err != nil {
		return false, err
	}
	if s.EndStopReached() {
		return false, nil
	}
	return s.ActivelyMoving(), nil
}

func (a *Axis) IsConnected() (bool, error) {
	s, err := a.State()
	if err != nil {
		return false, err
	}
	return s.SensorPresent(), nil
}

func (a *Axis) position() (float64, error) {
	raw, err := a.handle.GetPropertyI64(a.Index, PropPosition)
	if err != nil {
		return 0, a.callErr("GetProperty_i64(POSITION)", err)
	}
	return FromNative(raw), nil
}

func (a *Axis) Position() (float64, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.position()
}

// SetPosition redefines the current position without moving.
func (a *Axis) SetPosition(position float64) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.callErr("SetProperty_i64(POSITION)", a.handle.SetPropertyI64(a.Index, PropPosition, ToNative(position)))
}

// LimitState guesses the direction of a hit end stop from the sign of the
// position. The MCS2 channel state has no per-direction end stop bits.
func (a *Axis) LimitState() (LimitState, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	s, err := a.state()
	if err != nil {
		return LimitNone, err
	}
	if !s.EndStopReached() {
		return LimitNone, nil
	}

	pos, err := a.position()
	if err != nil {
		return LimitNone, err
	}
	if pos > 0 {
		return LimitHigh, nil
	}
	return LimitLow, nil
}

func (a *Axis) Speed() (velocity, acceleration float64, err error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	vel, err := a.handle.GetPropertyI64(a.Index, PropMoveVelocity)
	if err != nil {
		return 0, 0, a.callErr("GetProperty_i64(MOVE_VELOCITY)", err)
	}
	acc, err := a.handle.GetPropertyI64(a.Index, PropMoveAcceleration)
	if err != nil {
		return 0, 0, a.callErr("GetProperty_i64(MOVE_ACCELERATION)", err)
	}
	return FromNative(vel), FromNative(acc), nil
}

func (a *Axis) setSpeed(velocity, acceleration float64) error {
	if err := a.handle.SetPropertyI64(a.Index, PropMoveVelocity, ToNative(velocity)); err != nil {
		return a.callErr("SetProperty_i64(MOVE_VELOCITY)", err)
	}
	if err := a.handle.SetPropertyI64(a.Index, PropMoveAcceleration, ToNative(acceleration)); err != nil {
		return a.callErr("SetProperty_i64(MOVE_ACCELERATION)", err)
	}
	a.velocity, a.acceleration = velocity, acceleration
	return nil
}

func (a *Axis) SetSpeed(velocity, acceleration float64) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.setSpeed(velocity, acceleration)
}

// CommandedSpeed is the last velocity and acceleration written through this axis.
func (a *Axis) CommandedSpeed() (velocity, acceleration float64) {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.velocity, a.acceleration
}

// Stop is fire and forget. A second Stop while still decelerating makes the
// controller halt immediately.
func (a *Axis) Stop() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.callErr("Stop", a.handle.Stop(a.Index))
}

func (a *Axis) SetPropertyI32(p Property, value int32) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.callErr("SetProperty_i32("+p.String()+")", a.handle.SetPropertyI32(a.Index, p, value))
}

func (a *Axis) GetPropertyI32(p Property) (int32, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	v, err := a.handle.GetPropertyI32(a.Index, p)
	return v, a.callErr("GetProperty_i32("+p.String()+")", err)
}

// ChannelError is the vendor code of the last error raised on the channel,
// zero when there is none.
func (a *Axis) ChannelError() (int32, error) {
	return a.GetPropertyI32(PropChannelError)
}

func (a *Axis) BroadcastStopOptions() (int32, error) {
	return a.GetPropertyI32(PropBroadcastStopOptions)
}

func (a *Axis) ActuatorMode() (ActuatorMode, error) {
	v, err := a.GetPropertyI32(PropActuatorMode)
	return ActuatorMode(v), err
}

// SetActuatorMode switches between the standard and the quiet control mode.
// Not available on electromagnetic driver channels.
func (a *Axis) SetActuatorMode(mode ActuatorMode) error {
	return a.SetPropertyI32(PropActuatorMode, int32(mode))
}

func (a *Axis) StartCalibration() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if err := a.handle.SetPropertyI32(a.Index, PropCalibrationOptions, 0); err != nil {
		return a.callErr("SetProperty_i32(CALIBRATION_OPTIONS)", err)
	}
	return a.callErr("Calibrate", a.handle.Calibrate(a.Index))
}

func (a *Axis) StartReferencing(velocity, acceleration float64) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if err := a.handle.SetPropertyI32(a.Index, PropReferencingOptions, 0); err != nil {
		return a.callErr("SetProperty_i32(REFERENCING_OPTIONS)", err)
	}
	if err := a.setSpeed(velocity, acceleration); err != nil {
		return err
	}
	return a.callErr("Reference", a.handle.Reference(a.Index))
}

// WaitStateClear polls the channel state every interval until bit is clear.
func (a *Axis) WaitStateClear(ctx context.Context, bit ChannelState, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultStatePoll
	}

	for {
		s, err := a.State()
		if err != nil {
			return err
		}
		if !s.Has(bit) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
