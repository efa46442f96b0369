package onboard

import (
	"context"
	"math"
	"strconv"
	"sync"

	deverr "github.com/CodedInternet/nanostage/onboard/errors"
	"github.com/CodedInternet/nanostage/onboard/hardware"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

type moveRequest struct {
	mode     hardware.MoveMode
	value    float64
	waitOnly bool
}

// MotorRecord is the remotely visible state of one axis.
//
// Writes to the target or the tweak fields queue a move and return straight
// away. Moves run one at a time, in write order, on the record's own worker.
// done_moving goes false before the first queued move reaches the hardware
// and true once the last one has finished and the axis reports it stopped.
// Once QueueDepth moves are waiting further writes get ErrRecordBusy.
type MotorRecord struct {
	Name string

	ctrl  *Controller
	axis  *hardware.Axis
	pub   Publisher
	store SettingsStore

	limits        Limits
	deadband      float64
	stopOnTimeout bool

	lock       sync.Mutex
	target     float64
	tweak      float64
	doneMoving bool
	pending    int
	lastErr    error
	closed     bool

	queue  chan moveRequest
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMotorRecord(ctrl *Controller, ref AxisRef, pub Publisher, store SettingsStore, config RecordConfig) (r *MotorRecord, err error) {
	axis, err := ctrl.Axis(ref)
	if err != nil {
		return nil, err
	}
	if pub == nil {
		pub = nopPublisher{}
	}
	if store == nil {
		store = NewMemoryStore()
	}

	depth := config.QueueDepth
	if depth < 1 {
		depth = 1
	}

	r = &MotorRecord{
		Name:       axis.Name,
		ctrl:       ctrl,
		axis:       axis,
		pub:        pub,
		store:      store,
		deadband:   config.Deadband,
		doneMoving: true,
		queue:      make(chan moveRequest, depth),
	}
	if config.StopOnTimeout != nil {
		r.stopOnTimeout = *config.StopOnTimeout
	}
	if l, ok := config.Limits[axis.Name]; ok {
		r.limits = l
	} else if l, ok := config.Limits[strconv.Itoa(axis.Index)]; ok {
		r.limits = l
	}

	if err = r.restore(); err != nil {
		return nil, err
	}

	if pos, err := axis.Position(); err == nil {
		r.target = pos
	} else {
		logger.Printf("%s: unable to read initial position: %v", r.Name, err)
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.wg.Add(1)
	go r.run()

	// pick up a move that was already running when we started
	if moving, err := axis.IsMoving(); err == nil && moving {
		r.lock.Lock()
		r.enqueueLocked(moveRequest{waitOnly: true}, r.target)
		r.lock.Unlock()
	}

	return r, nil
}

// restore applies saved settings. An unreadable store only costs the saved
// values; a device that refuses the saved speed fails the record.
func (r *MotorRecord) restore() error {
	settings, found, err := r.store.Load(r.Name)
	if err != nil {
		logger.Printf("%s: unable to load settings, using defaults: %v", r.Name, err)
		return nil
	}
	if !found {
		return nil
	}

	r.tweak = settings.TweakValue
	if settings.Velocity > 0 && settings.Acceleration > 0 {
		if err = r.axis.SetSpeed(settings.Velocity, settings.Acceleration); err != nil {
			return errors.Wrapf(err, "unable to restore speed for %s", r.Name)
		}
	}
	return nil
}

func (r *MotorRecord) persist() {
	vel, acc := r.axis.CommandedSpeed()
	err := r.store.Save(RecordSettings{
		Axis:         r.Name,
		TweakValue:   r.tweak,
		Velocity:     vel,
		Acceleration: acc,
	})
	if err != nil {
		logger.Printf("%s: unable to save settings: %v", r.Name, err)
	}
}

func (r *MotorRecord) Axis() *hardware.Axis {
	return r.axis
}

//---
// Putters
//---

func (r *MotorRecord) SetTarget(target float64) error {
	if math.IsNaN(target) || math.IsInf(target, 0) {
		return errors.Errorf("invalid target %v", target)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	return r.enqueueLocked(moveRequest{mode: hardware.MoveClosedLoopAbsolute, value: target}, target)
}

func (r *MotorRecord) TweakForward() error {
	return r.tweakBy(1)
}

func (r *MotorRecord) TweakReverse() error {
	return r.tweakBy(-1)
}

func (r *MotorRecord) tweakBy(sign float64) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	delta := sign * r.tweak
	return r.enqueueLocked(moveRequest{mode: hardware.MoveClosedLoopRelative, value: delta}, r.relativeBaseLocked()+delta)
}

// relativeBaseLocked is where a relative move queued now will start: the
// readback when nothing is queued, else the target of the last queued move.
func (r *MotorRecord) relativeBaseLocked() float64 {
	if r.pending == 0 {
		if pos, err := r.axis.Position(); err == nil {
			return pos
		}
	}
	return r.target
}

// MoveWithMode queues a move in any of the controller's move modes. Open loop
// moves cannot be checked against soft limits and are refused while limits
// are configured; the target follows the readback once they finish.
func (r *MotorRecord) MoveWithMode(mode hardware.MoveMode, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return errors.Errorf("invalid move value %v", value)
	}

	switch {
	case !mode.Valid():
		return errors.Errorf("invalid move mode %d", int32(mode))
	case mode == hardware.MoveClosedLoopAbsolute:
		return r.SetTarget(value)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if mode == hardware.MoveClosedLoopRelative {
		return r.enqueueLocked(moveRequest{mode: mode, value: value}, r.relativeBaseLocked()+value)
	}
	if r.limits.Enabled() {
		return errors.Wrapf(deverr.ErrSoftLimit, "%s: %s moves are not allowed with soft limits", r.Name, mode)
	}
	return r.enqueueLocked(moveRequest{mode: mode, value: value}, r.target)
}

// enqueueLocked must be called with lock held. The done_moving=false publish
// happens before the request is visible to the worker.
func (r *MotorRecord) enqueueLocked(req moveRequest, target float64) error {
	if r.closed {
		return deverr.ErrRecordClosed
	}
	if !r.limits.Contains(target) {
		return errors.Wrapf(deverr.ErrSoftLimit, "%s: %v not in [%v, %v]", r.Name, target, r.limits.Low, r.limits.High)
	}

	if r.pending == 0 {
		// queue is empty here so the send below cannot fail
		r.doneMoving = false
		r.pub.Publish(r.Name, FieldDoneMoving, false)
	}

	select {
	case r.queue <- req:
	default:
		return deverr.ErrRecordBusy
	}

	r.pending++
	r.setTargetLocked(target)
	return nil
}

func (r *MotorRecord) SetTweakValue(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return errors.Errorf("invalid tweak value %v", v)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	r.tweak = v
	r.pub.Publish(r.Name, FieldTweakValue, v)
	r.persist()
	return nil
}

// SetSpeed changes the velocity and keeps the current acceleration.
func (r *MotorRecord) SetSpeed(velocity float64) error {
	if !(velocity > 0) || math.IsInf(velocity, 0) {
		return errors.Errorf("invalid speed %v", velocity)
	}

	_, acc := r.axis.CommandedSpeed()
	if err := r.axis.SetSpeed(velocity, acc); err != nil {
		return err
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	r.pub.Publish(r.Name, FieldSpeed, velocity)
	r.persist()
	return nil
}

// SetPosition redefines the current position as position and moves the
// target with it. Refused while moves are queued.
func (r *MotorRecord) SetPosition(position float64) error {
	if math.IsNaN(position) || math.IsInf(position, 0) {
		return errors.Errorf("invalid position %v", position)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return deverr.ErrRecordClosed
	}
	if r.pending > 0 {
		return deverr.ErrRecordBusy
	}
	if err := r.axis.SetPosition(position); err != nil {
		return err
	}
	r.setTargetLocked(position)
	return nil
}

func (r *MotorRecord) setTargetLocked(target float64) {
	if r.target != target {
		r.target = target
		r.pub.Publish(r.Name, FieldTarget, target)
	}
}

// Stop is sent straight to the device. done_moving only changes once the
// running move notices the axis has stopped.
func (r *MotorRecord) Stop() error {
	return r.ctrl.Stop(r.axis)
}

//---
// Worker
//---

func (r *MotorRecord) run() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case req := <-r.queue:
			r.finish(r.execute(req))
		}
	}
}

func (r *MotorRecord) execute(req moveRequest) error {
	op := "wait"
	if !req.waitOnly {
		op = "move"
		if err := r.dispatch(req); err != nil {
			return err
		}
	}

	err := r.ctrl.WaitStopped(r.ctx, op, r.axis, r.pollFailed)
	if !req.waitOnly && !req.mode.ClosedLoop() {
		r.followReadback()
	}

	var timeout deverr.PropertyTimeoutError
	if !errors.As(err, &timeout) {
		return err
	}

	logger.Printf("%s: %v", r.Name, err)
	if r.stopOnTimeout {
		// the second stop turns the controlled stop into an immediate one
		for i := 0; i < 2; i++ {
			if serr := r.axis.Stop(); serr != nil {
				logger.Printf("%s: stop after timeout failed: %v", r.Name, serr)
			}
		}
	}
	if werr := r.axis.WaitStopped(r.ctx, r.pollFailed); werr != nil {
		return werr
	}
	return err
}

// dispatch issues req. Relative moves start from wherever the axis is now,
// which need not be the target after a stop, so their soft limit check and
// the published target use the live readback.
func (r *MotorRecord) dispatch(req moveRequest) error {
	if req.mode == hardware.MoveClosedLoopRelative {
		pos, err := r.axis.Position()
		if err != nil {
			return err
		}
		target := pos + req.value
		ok := r.limits.Contains(target)
		if !ok {
			// the axis stays where it is
			target = pos
		}

		r.lock.Lock()
		r.setTargetLocked(target)
		r.lock.Unlock()

		if !ok {
			return errors.Wrapf(deverr.ErrSoftLimit, "%s: %v not in [%v, %v]", r.Name, pos+req.value, r.limits.Low, r.limits.High)
		}
	}

	return r.ctrl.Move(r.ctx, r.axis, req.mode, req.value, false)
}

// followReadback sets the target to the position an open loop move ended at.
func (r *MotorRecord) followReadback() {
	pos, err := r.axis.Position()
	if err != nil {
		return
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	r.setTargetLocked(pos)
}

// pollFailed keeps a failed state poll in last_error while the worker keeps
// waiting for the axis to stop.
func (r *MotorRecord) pollFailed(err error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.ctx.Err() != nil || (r.lastErr != nil && r.lastErr.Error() == err.Error()) {
		return
	}
	logger.Printf("%s: state poll failed, still waiting: %v", r.Name, err)
	r.lastErr = err
	r.pub.Publish(r.Name, FieldLastError, err.Error())
}

func (r *MotorRecord) finish(err error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.pending--
	if r.ctx.Err() != nil {
		// shutting down, nobody is left to tell
		return
	}

	if err != nil {
		logger.Printf("%s: move failed: %v", r.Name, err)
		r.lastErr = err
		r.pub.Publish(r.Name, FieldLastError, err.Error())
	} else if r.lastErr != nil {
		r.lastErr = nil
		r.pub.Publish(r.Name, FieldLastError, "")
	}

	if r.pending == 0 {
		r.doneMoving = true
		r.pub.Publish(r.Name, FieldDoneMoving, true)
	}
}

// Close stops the worker. Moves still queued are dropped; a move already
// issued to the hardware is not stopped.
func (r *MotorRecord) Close() {
	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return
	}
	r.closed = true
	r.lock.Unlock()

	r.cancel()
	r.wg.Wait()
}

//---
// Getters
//---

func (r *MotorRecord) DoneMoving() bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.doneMoving
}

func (r *MotorRecord) Target() float64 {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.target
}

func (r *MotorRecord) TweakValue() float64 {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.tweak
}

func (r *MotorRecord) LastError() string {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.lastErr == nil {
		return ""
	}
	return r.lastErr.Error()
}

func (r *MotorRecord) Units() string {
	return r.axis.Unit.String()
}

func (r *MotorRecord) Position() (float64, error) {
	return r.axis.Position()
}

func (r *MotorRecord) Moving() (bool, error) {
	return r.axis.IsMoving()
}

// InPosition reports whether the readback is within the deadband of the target.
func (r *MotorRecord) InPosition() (bool, error) {
	pos, err := r.axis.Position()
	if err != nil {
		return false, err
	}
	return mgl64.FloatEqualThreshold(pos, r.Target(), r.deadband), nil
}

func (r *MotorRecord) Speed() (float64, error) {
	vel, _, err := r.axis.Speed()
	return vel, err
}

func (r *MotorRecord) Acceleration() (float64, error) {
	_, acc, err := r.axis.Speed()
	return acc, err
}

func (r *MotorRecord) ChannelError() (int32, error) {
	return r.axis.ChannelError()
}

func (r *MotorRecord) HighLimit() (bool, error) {
	l, err := r.axis.LimitState()
	return l == hardware.LimitHigh, err
}

func (r *MotorRecord) LowLimit() (bool, error) {
	l, err := r.axis.LimitState()
	return l == hardware.LimitLow, err
}

//---
// Generic field access for publishers
//---

func (r *MotorRecord) Get(field Field) (interface{}, error) {
	switch field {
	case FieldPosition:
		return r.Position()
	case FieldTarget:
		return r.Target(), nil
	case FieldDoneMoving:
		return r.DoneMoving(), nil
	case FieldMoving:
		return r.Moving()
	case FieldInPosition:
		return r.InPosition()
	case FieldSpeed:
		return r.Speed()
	case FieldAcceleration:
		return r.Acceleration()
	case FieldHighLimit:
		return r.HighLimit()
	case FieldLowLimit:
		return r.LowLimit()
	case FieldTweakValue:
		return r.TweakValue(), nil
	case FieldUnits:
		return r.Units(), nil
	case FieldLastError:
		return r.LastError(), nil
	case FieldChannelError:
		return r.ChannelError()
	case FieldTweakForward, FieldTweakReverse, FieldStop:
		return 0, nil
	}
	return nil, errors.Wrapf(deverr.ErrUnknownField, "%s.%s", r.Name, field)
}

// Put writes a field. Writing a non-zero value to tweak_forward, tweak_reverse
// or stop triggers them; zero is accepted and ignored.
func (r *MotorRecord) Put(field Field, value float64) error {
	switch field {
	case FieldTarget:
		return r.SetTarget(value)
	case FieldTweakValue:
		return r.SetTweakValue(value)
	case FieldSpeed:
		return r.SetSpeed(value)
	case FieldTweakForward:
		if value == 0 {
			return nil
		}
		return r.TweakForward()
	case FieldTweakReverse:
		if value == 0 {
			return nil
		}
		return r.TweakReverse()
	case FieldStop:
		if value == 0 {
			return nil
		}
		return r.Stop()
	}

	for _, f := range ReadableFields {
		if f == field {
			return errors.Wrapf(deverr.ErrReadOnlyField, "%s.%s", r.Name, field)
		}
	}
	return errors.Wrapf(deverr.ErrUnknownField, "%s.%s", r.Name, field)
}

// Snapshot reads every readable field. Fields whose live read failed are
// left out and their errors combined.
func (r *MotorRecord) Snapshot() (snap map[Field]interface{}, err error) {
	snap = make(map[Field]interface{}, len(ReadableFields))
	for _, f := range ReadableFields {
		v, ferr := r.Get(f)
		if ferr != nil {
			err = multierr.Append(err, ferr)
			continue
		}
		snap[f] = v
	}
	return
}
