package onboard

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/CodedInternet/nanostage/onboard/hardware"
	"gopkg.in/yaml.v2"
)

const (
	defaultMaxCLFrequency        = 6000
	defaultHoldTime              = 1000
	defaultVelocity              = 5
	defaultAcceleration          = 10
	defaultReferenceVelocity     = 1
	defaultReferenceAcceleration = 10
	defaultQueueDepth            = 8
	defaultDeadband              = 1e-6
)

// Limits are soft travel limits in engineering units. Equal values disable them.
type Limits struct {
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
}

func (l Limits) Enabled() bool {
	return l.High > l.Low
}

func (l Limits) Contains(v float64) bool {
	return !l.Enabled() || (v >= l.Low && v <= l.High)
}

type RecordConfig struct {
	QueueDepth    int               `yaml:"queue_depth"`
	Deadband      float64           `yaml:"deadband"`
	StopOnTimeout *bool             `yaml:"stop_on_timeout"`
	Limits        map[string]Limits `yaml:"limits"` // keyed by axis name or index
}

type StageConfig struct {
	Version int
	Driver  string
	Device  string // substring of the locator to open, first found when empty
	Axes    []int  `yaml:"axes,flow"`

	LibraryVersion string `yaml:"library_version"` // semver constraint on the driver library

	MaxCLFrequency        int32   `yaml:"max_cl_frequency"`
	HoldTime              int32   `yaml:"hold_time"`
	Velocity              float64 `yaml:"velocity"`
	Acceleration          float64 `yaml:"acceleration"`
	ReferenceVelocity     float64 `yaml:"reference_velocity"`
	ReferenceAcceleration float64 `yaml:"reference_acceleration"`

	MovePoll         time.Duration `yaml:"move_poll"`
	StatePoll        time.Duration `yaml:"state_poll"`
	MoveTimeout      time.Duration `yaml:"move_timeout"`      // zero waits forever
	CalibrateTimeout time.Duration `yaml:"calibrate_timeout"` // zero waits forever

	Records   RecordConfig
	Simulator *hardware.SimConfig `yaml:"simulator,omitempty"`
}

func LoadConfig(filename string) (config StageConfig, err error) {
	raw, err := ioutil.ReadFile(filename)
	if err != nil {
		return config, fmt.Errorf("unable to read config %s: %v", filename, err)
	}
	return ParseConfig(raw)
}

func ParseConfig(raw []byte) (config StageConfig, err error) {
	if err = yaml.Unmarshal(raw, &config); err != nil {
		return config, fmt.Errorf("unable to unmarshal yaml: %v", err)
	}

	switch config.Version {
	case 1:
		config.applyDefaults()
	default:
		err = fmt.Errorf("unable to work with version %d", config.Version)
	}
	return
}

func (c *StageConfig) applyDefaults() {
	if c.Driver == "" {
		c.Driver = "sim"
	}
	if c.MaxCLFrequency == 0 {
		c.MaxCLFrequency = defaultMaxCLFrequency
	}
	if c.HoldTime == 0 {
		c.HoldTime = defaultHoldTime
	}
	if c.Velocity == 0 {
		c.Velocity = defaultVelocity
	}
	if c.Acceleration == 0 {
		c.Acceleration = defaultAcceleration
	}
	if c.ReferenceVelocity == 0 {
		c.ReferenceVelocity = defaultReferenceVelocity
	}
	if c.ReferenceAcceleration == 0 {
		c.ReferenceAcceleration = defaultReferenceAcceleration
	}
	if c.MovePoll == 0 {
		c.MovePoll = hardware.DefaultMovePoll
	}
	if c.StatePoll == 0 {
		c.StatePoll = hardware.DefaultStatePoll
	}
	if c.Records.QueueDepth == 0 {
		c.Records.QueueDepth = defaultQueueDepth
	}
	if c.Records.Deadband == 0 {
		c.Records.Deadband = defaultDeadband
	}
	if c.Records.StopOnTimeout == nil {
		stop := true
		c.Records.StopOnTimeout = &stop
	}
}

// DefaultConfig mirrors an empty version 1 file.
func DefaultConfig() StageConfig {
	c := StageConfig{Version: 1, Axes: []int{0, 1, 2, 3}}
	c.applyDefaults()
	return c
}
