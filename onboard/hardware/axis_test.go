package hardware

import (
	"context"
	"errors"
	. "github.com/smartystreets/goconvey/convey"
	"math"
	"testing"
	"time"

	deverr "github.com/CodedInternet/nanostage/onboard/errors"
)

const kPositionTolerance = 1e-9

func testSimConfig() SimConfig {
	return SimConfig{
		Devices: []string{"usb:sn:MCS2-TEST"},
		Version: "1.3.36",
		Channels: map[int]SimChannel{
			0: {Unit: BaseUnitMeter, Min: -20, Max: 20, Sensor: true},
			1: {Unit: BaseUnitDegree, Min: -90, Max: 90},
		},
		CalibrationTime: 30 * time.Millisecond,
		ReferenceTime:   30 * time.Millisecond,
	}
}

func openTestAxis(index int, velocity float64) (*Axis, *SimHandle) {
	sim := NewSimulator(testSimConfig())
	h, err := sim.Open("usb:sn:MCS2-TEST")
	if err != nil {
		panic(err)
	}
	axis := NewAxis(h, index)
	axis.MovePoll = time.Millisecond
	if err := axis.SetSpeed(velocity, 10*velocity); err != nil {
		panic(err)
	}
	return axis, h.(*SimHandle)
}

func TestUnitConversion(t *testing.T) {
	Convey("engineering units round trip through native counts", t, func() {
		for _, v := range []float64{0, 1, -1, 10.123456789, -0.000000001, 12.5, 179.999999999} {
			So(FromNative(ToNative(v)), ShouldAlmostEqual, v, kPositionTolerance)
		}
		So(ToNative(1), ShouldEqual, int64(1000000000))
		So(ToNative(-2.5), ShouldEqual, int64(-2500000000))
	})

	Convey("base units map to unit kinds", t, func() {
		So(UnitKindOf(BaseUnitMeter), ShouldEqual, UnitLinear)
		So(UnitKindOf(BaseUnitDegree), ShouldEqual, UnitRotary)
		So(UnitKindOf(BaseUnitNone), ShouldEqual, UnitRotary)
		So(UnitLinear.String(), ShouldEqual, "mm")
		So(UnitRotary.String(), ShouldEqual, "deg")
	})
}

func TestAxisMoves(t *testing.T) {
	ctx := context.Background()

	Convey("absolute moves that wait end at the target", t, func() {
		axis, _ := openTestAxis(0, 1000)

		So(axis.MoveAbsolute(ctx, 10, true), ShouldBeNil)
		pos, err := axis.Position()
		So(err, ShouldBeNil)
		So(pos, ShouldAlmostEqual, 10, kPositionTolerance)

		moving, err := axis.IsMoving()
		So(err, ShouldBeNil)
		So(moving, ShouldBeFalse)

		Convey("relative moves add to the current position", func() {
			So(axis.MoveRelative(ctx, 2.5, true), ShouldBeNil)
			pos, _ := axis.Position()
			So(pos, ShouldAlmostEqual, 12.5, kPositionTolerance)

			So(axis.MoveRelative(ctx, -2.5, true), ShouldBeNil)
			pos, _ = axis.Position()
			So(pos, ShouldAlmostEqual, 10, kPositionTolerance)
		})
	})

	Convey("moves that do not wait return while still moving", t, func() {
		axis, _ := openTestAxis(0, 10)

		So(axis.MoveAbsolute(ctx, 1, false), ShouldBeNil)
		moving, err := axis.IsMoving()
		So(err, ShouldBeNil)
		So(moving, ShouldBeTrue)

		So(axis.WaitDone(ctx), ShouldBeNil)
		pos, _ := axis.Position()
		So(pos, ShouldAlmostEqual, 1, kPositionTolerance)
	})

	Convey("waiting honours context cancellation", t, func() {
		axis, _ := openTestAxis(0, 1)
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		err := axis.MoveAbsolute(cctx, 15, true)
		So(err, ShouldEqual, context.DeadlineExceeded)
		So(axis.Stop(), ShouldBeNil)
		So(axis.Stop(), ShouldBeNil)
	})

	Convey("speed is written and read back in engineering units", t, func() {
		axis, _ := openTestAxis(0, 1)
		So(axis.SetSpeed(5, 10), ShouldBeNil)

		vel, acc, err := axis.Speed()
		So(err, ShouldBeNil)
		So(vel, ShouldAlmostEqual, 5, kPositionTolerance)
		So(acc, ShouldAlmostEqual, 10, kPositionTolerance)

		cv, ca := axis.CommandedSpeed()
		So(cv, ShouldEqual, 5)
		So(ca, ShouldEqual, 10)
	})

	Convey("a failed poll ends WaitDone but not WaitStopped", t, func() {
		axis, h := openTestAxis(0, 10)
		glitch := errors.New("usb glitch")

		So(axis.MoveAbsolute(ctx, 1, false), ShouldBeNil)
		h.Fail("GetPropertyI32@0", glitch)
		So(errors.Is(axis.WaitDone(ctx), glitch), ShouldBeTrue)

		go func() {
			time.Sleep(20 * time.Millisecond)
			h.Fail("GetPropertyI32@0", nil)
		}()

		failures := 0
		So(axis.WaitStopped(ctx, func(err error) {
			So(errors.Is(err, glitch), ShouldBeTrue)
			failures++
		}), ShouldBeNil)
		So(failures, ShouldBeGreaterThan, 0)

		moving, err := axis.IsMoving()
		So(err, ShouldBeNil)
		So(moving, ShouldBeFalse)
		pos, _ := axis.Position()
		So(pos, ShouldAlmostEqual, 1, kPositionTolerance)
	})

	Convey("open loop modes take raw values", t, func() {
		axis, _ := openTestAxis(0, 100)

		So(axis.Move(ctx, MoveStep, 10, true), ShouldBeNil)
		pos, _ := axis.Position()
		So(pos, ShouldAlmostEqual, FromNative(10*SimStepSize), kPositionTolerance)

		So(axis.Move(ctx, MoveScanAbsolute, ScanRange, true), ShouldBeNil)
		pos, _ = axis.Position()
		So(pos, ShouldAlmostEqual, 20, kPositionTolerance)

		mode, err := axis.GetPropertyI32(PropMoveMode)
		So(err, ShouldBeNil)
		So(MoveMode(mode), ShouldEqual, MoveScanAbsolute)
	})

	Convey("set position redefines the readback", t, func() {
		axis, _ := openTestAxis(0, 1)
		So(axis.SetPosition(-3.25), ShouldBeNil)
		pos, _ := axis.Position()
		So(pos, ShouldAlmostEqual, -3.25, kPositionTolerance)
	})
}

func TestAxisLimits(t *testing.T) {
	ctx := context.Background()

	Convey("no end stop reports no limit", t, func() {
		axis, _ := openTestAxis(0, 1000)
		So(axis.MoveAbsolute(ctx, 5, true), ShouldBeNil)

		limit, err := axis.LimitState()
		So(err, ShouldBeNil)
		So(limit, ShouldEqual, LimitNone)
	})

	Convey("running into the high end stop is an implicit stop", t, func() {
		axis, _ := openTestAxis(0, 1000)
		So(axis.MoveAbsolute(ctx, 25, true), ShouldBeNil)

		s, _ := axis.State()
		So(s.EndStopReached(), ShouldBeTrue)

		moving, _ := axis.IsMoving()
		So(moving, ShouldBeFalse)

		limit, err := axis.LimitState()
		So(err, ShouldBeNil)
		So(limit, ShouldEqual, LimitHigh)
		So(limit.String(), ShouldEqual, "HIGH")

		Convey("and the low end stop reports LOW", func() {
			So(axis.MoveAbsolute(ctx, -25, true), ShouldBeNil)
			limit, _ := axis.LimitState()
			So(limit, ShouldEqual, LimitLow)
		})

		Convey("a move away clears the end stop", func() {
			So(axis.MoveAbsolute(ctx, 0, true), ShouldBeNil)
			limit, _ := axis.LimitState()
			So(limit, ShouldEqual, LimitNone)
		})
	})
}

func TestAxisStop(t *testing.T) {
	Convey("two stops on a moving axis halt it without hanging the wait", t, func() {
		axis, _ := openTestAxis(0, 1)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		So(axis.MoveAbsolute(ctx, 15, false), ShouldBeNil)
		time.Sleep(10 * time.Millisecond)

		done := make(chan error, 1)
		go func() { done <- axis.WaitDone(ctx) }()

		So(axis.Stop(), ShouldBeNil)
		So(axis.Stop(), ShouldBeNil)

		select {
		case err := <-done:
			So(err, ShouldBeNil)
		case <-time.After(time.Second):
			t.Fatal("wait did not return after two stops")
		}

		pos, _ := axis.Position()
		So(pos, ShouldBeLessThan, 1)
	})
}

func TestAxisCalibration(t *testing.T) {
	Convey("calibration sets the calibrating bit until done", t, func() {
		axis, h := openTestAxis(0, 1)
		So(axis.StartCalibration(), ShouldBeNil)

		s, _ := axis.State()
		So(s.Calibrating(), ShouldBeTrue)

		So(axis.WaitStateClear(context.Background(), StateCalibrating, 5*time.Millisecond), ShouldBeNil)
		s, _ = axis.State()
		So(s.IsCalibrated(), ShouldBeTrue)
		So(h.Calls("Calibrate"), ShouldEqual, 1)
	})

	Convey("referencing zeroes the position and marks the channel", t, func() {
		axis, _ := openTestAxis(0, 1000)
		So(axis.MoveAbsolute(context.Background(), 3, true), ShouldBeNil)

		So(axis.StartReferencing(1, 10), ShouldBeNil)
		So(axis.WaitStateClear(context.Background(), StateReferencing, 5*time.Millisecond), ShouldBeNil)

		s, _ := axis.State()
		So(s.IsReferenced(), ShouldBeTrue)
		pos, _ := axis.Position()
		So(pos, ShouldEqual, 0)
		vel, _, _ := axis.Speed()
		So(vel, ShouldAlmostEqual, 1, kPositionTolerance)
	})

	Convey("a hung calibration only ends with the context", t, func() {
		axis, h := openTestAxis(0, 1)
		h.HangCalibration(0, true)
		So(axis.StartCalibration(), ShouldBeNil)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		So(axis.WaitStateClear(ctx, StateCalibrating, 5*time.Millisecond), ShouldEqual, context.DeadlineExceeded)
	})
}

func TestAxisErrors(t *testing.T) {
	Convey("driver failures surface as hardware call errors", t, func() {
		axis, h := openTestAxis(0, 1)

		Convey("a failed position read is not a zero reading", func() {
			h.Fail("GetPropertyI64", &CallError{Func: "GetPropertyI64", Code: 0x0042})
			_, err := axis.Position()
			So(err, ShouldNotBeNil)

			var hce deverr.HardwareCallError
			So(errors.As(err, &hce), ShouldBeTrue)
			So(hce.Code, ShouldEqual, 0x0042)
			So(hce.Axis, ShouldEqual, 0)
			So(hce.Func, ShouldContainSubstring, "POSITION")
		})

		Convey("errors without a vendor code get -1", func() {
			h.Fail("Move", errors.New("cable pulled"))
			err := axis.MoveAbsolute(context.Background(), 1, true)

			var hce deverr.HardwareCallError
			So(errors.As(err, &hce), ShouldBeTrue)
			So(hce.Code, ShouldEqual, -1)
			So(hce.Func, ShouldEqual, "Move")
		})

		Convey("unknown channels are rejected by the driver", func() {
			bad := NewAxis(h, 7)
			_, err := bad.State()
			var hce deverr.HardwareCallError
			So(errors.As(err, &hce), ShouldBeTrue)
			So(hce.Code, ShouldEqual, SimErrInvalidChannel)
		})
	})

	Convey("sensor presence is read from the channel state", t, func() {
		axis, h := openTestAxis(0, 1)
		ok, err := axis.IsConnected()
		So(err, ShouldBeNil)
		So(ok, ShouldBeTrue)

		other := NewAxis(h, 1)
		ok, _ = other.IsConnected()
		So(ok, ShouldBeFalse)
	})
}

func TestChannelProperties(t *testing.T) {
	Convey("the channel error is read back", t, func() {
		axis, h := openTestAxis(0, 1)
		code, err := axis.ChannelError()
		So(err, ShouldBeNil)
		So(code, ShouldEqual, 0)

		h.SetChannelError(0, 0x8004)
		code, _ = axis.ChannelError()
		So(code, ShouldEqual, 0x8004)
	})

	Convey("the actuator mode can be switched to quiet", t, func() {
		axis, _ := openTestAxis(0, 1)
		So(axis.SetActuatorMode(ActuatorQuiet), ShouldBeNil)
		mode, err := axis.ActuatorMode()
		So(err, ShouldBeNil)
		So(mode, ShouldEqual, ActuatorQuiet)

		opts, err := axis.BroadcastStopOptions()
		So(err, ShouldBeNil)
		So(opts, ShouldEqual, 0)
	})

	Convey("move modes print and validate", t, func() {
		So(MoveStep.String(), ShouldEqual, "STEP")
		So(MoveMode(9).String(), ShouldEqual, "MOVE_MODE(9)")
		So(MoveMode(9).Valid(), ShouldBeFalse)
		So(MoveClosedLoopRelative.ClosedLoop(), ShouldBeTrue)
		So(MoveScanRelative.ClosedLoop(), ShouldBeFalse)
	})
}

func TestChannelState(t *testing.T) {
	Convey("bits decode independently", t, func() {
		s := StateActivelyMoving | StateEndStopReached
		So(s.ActivelyMoving(), ShouldBeTrue)
		So(s.EndStopReached(), ShouldBeTrue)
		So(s.Calibrating(), ShouldBeFalse)

		all := s.All()
		So(all, ShouldHaveLength, 12)
		So(all["EndStopReached"], ShouldBeTrue)
		So(all["SensorPresent"], ShouldBeFalse)
	})

	Convey("property names print", t, func() {
		So(PropChannelState.String(), ShouldEqual, "CHANNEL_STATE")
		So(Property(math.MaxUint16).String(), ShouldStartWith, "PROPERTY(")
	})
}

func TestDriverRegistry(t *testing.T) {
	Convey("the simulator is registered", t, func() {
		So(Drivers(), ShouldContain, "sim")

		d, err := NewDriver("sim")
		So(err, ShouldBeNil)
		devices, _ := d.FindDevices()
		So(devices, ShouldNotBeEmpty)

		_, err = NewDriver("nope")
		So(err, ShouldNotBeNil)
	})

	Convey("registering twice panics", t, func() {
		So(func() { Register("sim", nil) }, ShouldPanic)
	})
}
