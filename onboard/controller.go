package onboard

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	deverr "github.com/CodedInternet/nanostage/onboard/errors"
	"github.com/CodedInternet/nanostage/onboard/hardware"
	"github.com/Masterminds/semver"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

var logger = log.New(os.Stdout, "[stage] ", log.Ldate|log.Ltime|log.Lshortfile)

// Controller owns the open device handle and the axes discovered on it.
type Controller struct {
	Locator string
	Version string

	config  StageConfig
	handle  hardware.Handle
	axes    []*hardware.Axis
	byIndex map[int]*hardware.Axis
	byName  map[string]int
	failed  map[int]error
	lock    sync.RWMutex
}

// NewController discovers and opens the device, then configures every axis in
// config.Axes. An axis that fails to initialise is left out and reported by
// Failed; only discovery, open and version problems are fatal.
func NewController(driver hardware.Driver, config StageConfig) (c *Controller, err error) {
	found, err := driver.FindDevices()
	if err != nil {
		return nil, errors.Wrap(err, "device discovery failed")
	}
	if len(found) == 0 {
		return nil, deverr.DeviceNotFoundError{Locator: config.Device}
	}

	locator := found[0]
	if config.Device != "" {
		locator = ""
		for _, l := range found {
			if strings.Contains(l, config.Device) {
				locator = l
				break
			}
		}
		if locator == "" {
			return nil, deverr.DeviceNotFoundError{Locator: config.Device, Found: found}
		}
	}

	handle, err := driver.Open(locator)
	if err != nil {
		return nil, deverr.DeviceOpenError{Locator: locator, Err: err}
	}
	logger.Printf("opened %s (library %s)", locator, handle.Version())

	c = &Controller{
		Locator: locator,
		Version: handle.Version(),
		config:  config,
		handle:  handle,
		byIndex: make(map[int]*hardware.Axis),
		byName:  make(map[string]int),
		failed:  make(map[int]error),
	}

	if err = c.checkVersion(); err != nil {
		handle.Close()
		return nil, err
	}

	var initErrs error
	counters := make(map[hardware.UnitKind]int)
	for _, idx := range config.Axes {
		if _, dup := c.byIndex[idx]; dup {
			continue
		}

		axis, err := c.initAxis(idx)
		if err != nil {
			c.failed[idx] = err
			initErrs = multierr.Append(initErrs, err)
			continue
		}

		counters[axis.Unit]++
		axis.Name = axisName(axis.Unit, counters[axis.Unit])

		c.axes = append(c.axes, axis)
		c.byIndex[idx] = axis
		c.byName[axis.Name] = idx
		logger.Printf("axis %d is %s (%s)", idx, axis.Name, axis.Unit)
	}

	for _, e := range multierr.Errors(initErrs) {
		logger.Printf("axis left unusable: %v", e)
	}

	return c, nil
}

func axisName(unit hardware.UnitKind, n int) string {
	if unit == hardware.UnitLinear {
		return fmt.Sprintf("trans%d", n)
	}
	return fmt.Sprintf("tilt%d", n)
}

func (c *Controller) checkVersion() error {
	if c.config.LibraryVersion == "" {
		return nil
	}

	constraint, err := semver.NewConstraint(c.config.LibraryVersion)
	if err != nil {
		return errors.Wrapf(err, "invalid library version constraint %q", c.config.LibraryVersion)
	}

	version, err := semver.NewVersion(c.Version)
	if err != nil {
		if c.Version == "DEV" {
			// development builds of the library do not carry a version
			logger.Printf("running against a DEV driver library, skipping version check")
			return nil
		}
		return errors.Wrapf(err, "driver reported unparseable version %q", c.Version)
	}

	if !constraint.Check(version) {
		return fmt.Errorf("unable to use driver library %s - require %s", c.Version, c.config.LibraryVersion)
	}
	return nil
}

func (c *Controller) initAxis(idx int) (axis *hardware.Axis, err error) {
	axis = hardware.NewAxis(c.handle, idx)
	axis.MovePoll = c.config.MovePoll

	if err = axis.SetPropertyI32(hardware.PropMaxCLFrequency, c.config.MaxCLFrequency); err != nil {
		return nil, err
	}
	if err = axis.SetPropertyI32(hardware.PropHoldTime, c.config.HoldTime); err != nil {
		return nil, err
	}
	if err = axis.SetSpeed(c.config.Velocity, c.config.Acceleration); err != nil {
		return nil, err
	}

	unit, err := axis.GetPropertyI32(hardware.PropPosBaseUnit)
	if err != nil {
		return nil, err
	}
	axis.Unit = hardware.UnitKindOf(hardware.BaseUnit(unit))
	return axis, nil
}

// Axis resolves ref to an initialised axis.
func (c *Controller) Axis(ref AxisRef) (*hardware.Axis, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	idx := ref.index
	if ref.IsName() {
		var ok bool
		if idx, ok = c.byName[ref.name]; !ok {
			return nil, deverr.UnknownAxisError{Ref: ref.String()}
		}
	}

	axis, ok := c.byIndex[idx]
	if !ok {
		return nil, deverr.UnknownAxisError{Ref: ref.String()}
	}
	return axis, nil
}

// Axes returns the usable axes in discovery order.
func (c *Controller) Axes() []*hardware.Axis {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return append([]*hardware.Axis(nil), c.axes...)
}

// Failed returns the initialisation error for every axis that was left out.
func (c *Controller) Failed() map[int]error {
	c.lock.RLock()
	defer c.lock.RUnlock()

	failed := make(map[int]error, len(c.failed))
	for k, v := range c.failed {
		failed[k] = v
	}
	return failed
}

// NumberOfChannels is a device property, read through channel 0. When
// channel 0 is in use its axis lock is taken like any other channel call.
func (c *Controller) NumberOfChannels() (int, error) {
	c.lock.RLock()
	axis, ok := c.byIndex[0]
	c.lock.RUnlock()

	if !ok {
		axis = hardware.NewAxis(c.handle, 0)
	}
	n, err := axis.GetPropertyI32(hardware.PropNumberOfChannels)
	return int(n), err
}

// withTimeout turns a deadline set here into a PropertyTimeoutError; a
// cancellation or deadline from the caller's ctx is returned unchanged.
func (c *Controller) withTimeout(ctx context.Context, op string, axis *hardware.Axis, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(tctx)
	if err == context.DeadlineExceeded && ctx.Err() == nil {
		return deverr.PropertyTimeoutError{Op: op, Axis: axis.Index, Timeout: timeout}
	}
	return err
}

// Move dispatches a move in the given mode. With wait it blocks until the
// axis stops or the move timeout expires.
func (c *Controller) Move(ctx context.Context, axis *hardware.Axis, mode hardware.MoveMode, value float64, wait bool) error {
	if !mode.Valid() {
		return errors.Errorf("invalid move mode %d", int32(mode))
	}
	if !wait {
		return axis.Move(ctx, mode, value, false)
	}
	return c.withTimeout(ctx, "move", axis, c.config.MoveTimeout, func(ctx context.Context) error {
		return axis.Move(ctx, mode, value, true)
	})
}

// WaitStopped is WaitDone that retries failed polls, see hardware.Axis.
func (c *Controller) WaitStopped(ctx context.Context, op string, axis *hardware.Axis, pollErr func(error)) error {
	return c.withTimeout(ctx, op, axis, c.config.MoveTimeout, func(ctx context.Context) error {
		return axis.WaitStopped(ctx, pollErr)
	})
}

// WaitDone blocks until the axis reports it is not moving, whoever started it.
func (c *Controller) WaitDone(ctx context.Context, axis *hardware.Axis) error {
	return c.withTimeout(ctx, "wait", axis, c.config.MoveTimeout, axis.WaitDone)
}

func (c *Controller) Stop(axis *hardware.Axis) error {
	logger.Printf("stop %s", axis.Name)
	return axis.Stop()
}

// Calibrate runs the calibration sequence and blocks until the calibrating
// bit clears. Without a calibrate timeout a stuck device blocks forever.
func (c *Controller) Calibrate(ctx context.Context, axis *hardware.Axis) error {
	logger.Printf("start calibration on %s", axis.Name)
	if err := axis.StartCalibration(); err != nil {
		return err
	}

	return c.withTimeout(ctx, "calibrate", axis, c.config.CalibrateTimeout, func(ctx context.Context) error {
		return axis.WaitStateClear(ctx, hardware.StateCalibrating, c.config.StatePoll)
	})
}

// FindReference establishes the absolute reference at the configured
// reference speed. The speed is left at those values afterwards.
func (c *Controller) FindReference(ctx context.Context, axis *hardware.Axis) error {
	logger.Printf("find reference on %s", axis.Name)
	if err := axis.StartReferencing(c.config.ReferenceVelocity, c.config.ReferenceAcceleration); err != nil {
		return err
	}

	return c.withTimeout(ctx, "reference", axis, c.config.CalibrateTimeout, func(ctx context.Context) error {
		return axis.WaitStateClear(ctx, hardware.StateReferencing, c.config.StatePoll)
	})
}

func (c *Controller) Close() error {
	logger.Printf("closing %s", c.Locator)
	return c.handle.Close()
}
