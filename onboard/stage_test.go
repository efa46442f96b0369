package onboard

import (
	"context"
	"errors"
	. "github.com/smartystreets/goconvey/convey"
	"testing"

	deverr "github.com/CodedInternet/nanostage/onboard/errors"
	"github.com/CodedInternet/nanostage/onboard/hardware"
)

func TestStage(t *testing.T) {
	Convey("given a stage with three axes", t, func() {
		s, h, _ := newTestStage(testConfig(0, 1, 2), nil)

		Convey("records follow discovery order", func() {
			var names []string
			for _, r := range s.Records() {
				names = append(names, r.Name)
			}
			So(names, ShouldResemble, []string{"trans1", "trans2", "tilt1"})
			s.Close()
		})

		Convey("records resolve by name and by index", func() {
			byName, err := s.Record("trans2")
			So(err, ShouldBeNil)
			byIndex, err := s.Record("1")
			So(err, ShouldBeNil)
			So(byName, ShouldEqual, byIndex)

			_, err = s.Record("tilt7")
			var ua deverr.UnknownAxisError
			So(errors.As(err, &ua), ShouldBeTrue)
			s.Close()
		})

		Convey("calibration and referencing go through the controller", func() {
			So(s.Calibrate(context.Background(), "tilt1"), ShouldBeNil)
			So(s.FindReference(context.Background(), "2"), ShouldBeNil)
			So(h.Calls("Calibrate"), ShouldEqual, 1)
			So(h.Calls("Reference"), ShouldEqual, 1)
			So(s.Calibrate(context.Background(), "nope"), ShouldNotBeNil)
			s.Close()
		})

		Convey("closing closes the device", func() {
			So(s.Close(), ShouldBeNil)
			So(h.Closed(), ShouldBeTrue)
		})
	})

	Convey("drivers are chosen from the config", t, func() {
		config := DefaultConfig()
		d, err := OpenDriver(config)
		So(err, ShouldBeNil)
		So(d, ShouldHaveSameTypeAs, &hardware.Simulator{})

		simConfig := testSimConfig()
		config.Simulator = &simConfig
		d, err = OpenDriver(config)
		So(err, ShouldBeNil)
		found, _ := d.FindDevices()
		So(found, ShouldResemble, simConfig.Devices)

		config.Simulator = nil
		config.Driver = "mcs2-usb"
		_, err = OpenDriver(config)
		So(err, ShouldNotBeNil)
	})

	Convey("a stage comes up on the default simulator", t, func() {
		d, err := OpenDriver(DefaultConfig())
		So(err, ShouldBeNil)
		s, err := NewStage(d, DefaultConfig(), nil, nil)
		So(err, ShouldBeNil)
		defer s.Close()
		So(len(s.Records()), ShouldEqual, 4)
		So(s.Controller().Failed(), ShouldBeEmpty)
	})

	Convey("a record that cannot restore its speed leaves only its axis unusable", t, func() {
		store := NewMemoryStore()
		So(store.Save(RecordSettings{Axis: "trans1", TweakValue: 0.5, Velocity: 2, Acceleration: 20}), ShouldBeNil)

		sim := hardware.NewSimulator(testSimConfig())
		config := testConfig(0, 1, 2)
		ctrl, err := NewController(sim, config)
		So(err, ShouldBeNil)
		sim.Handle(kTestLocator).Fail("SetPropertyI64@0", errors.New("bus gone"))

		s := newStage(ctrl, config, nil, store)
		defer s.Close()

		var names []string
		for _, r := range s.Records() {
			names = append(names, r.Name)
		}
		So(names, ShouldResemble, []string{"trans2", "tilt1"})

		_, err = s.Record("trans1")
		var hce deverr.HardwareCallError
		So(errors.As(err, &hce), ShouldBeTrue)
		So(s.Failed(), ShouldContainKey, 0)
		So(s.Controller().Failed(), ShouldBeEmpty)

		r, err := s.Record("tilt1")
		So(err, ShouldBeNil)
		So(r.SetTarget(5), ShouldBeNil)
		So(waitFor(r.DoneMoving), ShouldBeTrue)
	})

	Convey("an unreadable settings store falls back to defaults", t, func() {
		s, err := NewStage(hardware.NewSimulator(testSimConfig()), testConfig(0), nil, brokenStore{})
		So(err, ShouldBeNil)
		defer s.Close()

		r, err := s.Record("trans1")
		So(err, ShouldBeNil)
		So(r.TweakValue(), ShouldEqual, 0)
		vel, _ := r.Speed()
		So(vel, ShouldEqual, 100)
	})
}

type brokenStore struct{}

func (brokenStore) Load(string) (RecordSettings, bool, error) {
	return RecordSettings{}, false, errors.New("database locked")
}

func (brokenStore) Save(RecordSettings) error {
	return errors.New("database locked")
}
