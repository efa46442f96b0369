package hardware

import (
	"fmt"
	"sort"
	"sync"
)

// Property identifies a channel property on the controller.
type Property uint32

const (
	PropChannelState Property = iota + 1
	PropPosition
	PropMoveMode
	PropMoveVelocity
	PropMoveAcceleration
	PropMaxCLFrequency
	PropHoldTime
	PropPosBaseUnit
	PropCalibrationOptions
	PropReferencingOptions
	PropNumberOfChannels
	PropChannelError
	PropBroadcastStopOptions
	PropActuatorMode
)

var propertyNames = map[Property]string{
	PropChannelState:         "CHANNEL_STATE",
	PropPosition:             "POSITION",
	PropMoveMode:             "MOVE_MODE",
	PropMoveVelocity:         "MOVE_VELOCITY",
	PropMoveAcceleration:     "MOVE_ACCELERATION",
	PropMaxCLFrequency:       "MAX_CL_FREQUENCY",
	PropHoldTime:             "HOLD_TIME",
	PropPosBaseUnit:          "POS_BASE_UNIT",
	PropCalibrationOptions:   "CALIBRATION_OPTIONS",
	PropReferencingOptions:   "REFERENCING_OPTIONS",
	PropNumberOfChannels:     "NUMBER_OF_CHANNELS",
	PropChannelError:         "CHANNEL_ERROR",
	PropBroadcastStopOptions: "BROADCAST_STOP_OPTIONS",
	PropActuatorMode:         "ACTUATOR_MODE",
}

func (p Property) String() string {
	if name, ok := propertyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PROPERTY(%d)", uint32(p))
}

type MoveMode int32

const (
	MoveClosedLoopAbsolute MoveMode = iota
	MoveClosedLoopRelative
	MoveScanAbsolute
	MoveScanRelative
	MoveStep
)

var moveModeNames = map[MoveMode]string{
	MoveClosedLoopAbsolute: "CL_ABSOLUTE",
	MoveClosedLoopRelative: "CL_RELATIVE",
	MoveScanAbsolute:       "SCAN_ABSOLUTE",
	MoveScanRelative:       "SCAN_RELATIVE",
	MoveStep:               "STEP",
}

func (m MoveMode) String() string {
	if name, ok := moveModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("MOVE_MODE(%d)", int32(m))
}

func (m MoveMode) Valid() bool {
	_, ok := moveModeNames[m]
	return ok
}

// ClosedLoop modes take a position. Scan modes take a raw scan value and
// step mode a number of steps.
func (m MoveMode) ClosedLoop() bool {
	return m == MoveClosedLoopAbsolute || m == MoveClosedLoopRelative
}

// ActuatorMode is the value of PropActuatorMode.
type ActuatorMode int32

const (
	ActuatorNormal ActuatorMode = iota
	ActuatorQuiet
)

// ScanRange is the full scale of a scan move value.
const ScanRange = 65535

// BaseUnit is the value of PropPosBaseUnit.
type BaseUnit int32

const (
	BaseUnitNone   BaseUnit = 0
	BaseUnitMeter  BaseUnit = 2
	BaseUnitDegree BaseUnit = 3
)

// Driver finds and opens controllers. Implementations wrap the vendor SDK.
type Driver interface {
	FindDevices() (locators []string, err error)
	Open(locator string) (Handle, error)
}

// Handle is an open controller connection. Move, Stop, Calibrate and
// Reference return as soon as the command is accepted; completion has to be
// polled through PropChannelState.
//
// Concurrent calls against the same channel are not safe. Axis serializes them.
type Handle interface {
	GetPropertyI32(channel int, p Property) (int32, error)
	GetPropertyI64(channel int, p Property) (int64, error)
	SetPropertyI32(channel int, p Property, value int32) error
	SetPropertyI64(channel int, p Property, value int64) error

	Move(channel int, target int64) error
	Stop(channel int) error
	Calibrate(channel int) error
	Reference(channel int) error

	Version() string
	Close() error
}

// CallError is returned by drivers that know the vendor result code.
type CallError struct {
	Func string
	Code int
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s returned 0x%04X", e.Func, e.Code)
}

type DriverFactory func() Driver

var (
	driversLock sync.Mutex
	drivers     = make(map[string]DriverFactory)
)

// Register makes a driver available to NewDriver under name.
func Register(name string, factory DriverFactory) {
	driversLock.Lock()
	defer driversLock.Unlock()

	if _, dup := drivers[name]; dup {
		panic("hardware: Register called twice for driver " + name)
	}
	drivers[name] = factory
}

func NewDriver(name string) (Driver, error) {
	driversLock.Lock()
	factory, ok := drivers[name]
	driversLock.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown driver %q (available: %v)", name, Drivers())
	}
	return factory(), nil
}

func Drivers() (names []string) {
	driversLock.Lock()
	defer driversLock.Unlock()

	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return
}
