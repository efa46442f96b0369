package onboard

import (
	"context"

	"github.com/CodedInternet/nanostage/onboard/hardware"
)

// Stage is the controller plus one motor record for every usable axis.
type Stage struct {
	ctrl    *Controller
	records []*MotorRecord
	byName  map[string]*MotorRecord
	failed  map[int]error
}

// OpenDriver returns the driver named in config. An inline simulator section
// overrides the registered default simulator.
func OpenDriver(config StageConfig) (hardware.Driver, error) {
	if config.Simulator != nil {
		return hardware.NewSimulator(*config.Simulator), nil
	}
	return hardware.NewDriver(config.Driver)
}

func NewStage(driver hardware.Driver, config StageConfig, pub Publisher, store SettingsStore) (*Stage, error) {
	ctrl, err := NewController(driver, config)
	if err != nil {
		return nil, err
	}
	return newStage(ctrl, config, pub, store), nil
}

// newStage builds a record for every axis of ctrl. A record that cannot be
// set up leaves its axis unusable, the same as an axis the controller could
// not initialise.
func newStage(ctrl *Controller, config StageConfig, pub Publisher, store SettingsStore) *Stage {
	s := &Stage{
		ctrl:   ctrl,
		byName: make(map[string]*MotorRecord),
		failed: make(map[int]error),
	}

	for _, axis := range ctrl.Axes() {
		r, err := NewMotorRecord(ctrl, Index(axis.Index), pub, store, config.Records)
		if err != nil {
			logger.Printf("axis left unusable: %v", err)
			s.failed[axis.Index] = err
			continue
		}
		s.records = append(s.records, r)
		s.byName[r.Name] = r
	}

	return s
}

func (s *Stage) Controller() *Controller {
	return s.ctrl
}

// Record resolves ref as an axis name or a channel index.
func (s *Stage) Record(ref string) (*MotorRecord, error) {
	axis, err := s.ctrl.Axis(ParseAxisRef(ref))
	if err != nil {
		return nil, err
	}
	if err, ok := s.failed[axis.Index]; ok {
		return nil, err
	}
	return s.byName[axis.Name], nil
}

// Failed merges the controller's failed axes with those whose record could
// not be set up.
func (s *Stage) Failed() map[int]error {
	failed := s.ctrl.Failed()
	for idx, err := range s.failed {
		failed[idx] = err
	}
	return failed
}

func (s *Stage) Records() []*MotorRecord {
	return append([]*MotorRecord(nil), s.records...)
}

func (s *Stage) Calibrate(ctx context.Context, ref string) error {
	r, err := s.Record(ref)
	if err != nil {
		return err
	}
	return s.ctrl.Calibrate(ctx, r.Axis())
}

func (s *Stage) FindReference(ctx context.Context, ref string) error {
	r, err := s.Record(ref)
	if err != nil {
		return err
	}
	return s.ctrl.FindReference(ctx, r.Axis())
}

func (s *Stage) Close() error {
	for _, r := range s.records {
		r.Close()
	}
	return s.ctrl.Close()
}
