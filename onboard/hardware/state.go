package hardware

// ChannelState is the PropChannelState bitfield.
type ChannelState int32

const (
	StateActivelyMoving        ChannelState = 0x0001
	StateClosedLoopActive      ChannelState = 0x0002
	StateCalibrating           ChannelState = 0x0004
	StateReferencing           ChannelState = 0x0008
	StateMoveDelayed           ChannelState = 0x0010
	StateSensorPresent         ChannelState = 0x0020
	StateIsCalibrated          ChannelState = 0x0040
	StateIsReferenced          ChannelState = 0x0080
	StateEndStopReached        ChannelState = 0x0100
	StateRangeLimitReached     ChannelState = 0x0200
	StateFollowingLimitReached ChannelState = 0x0400
	StateMovementFailed        ChannelState = 0x0800
)

func (s ChannelState) Has(bit ChannelState) bool { return s&bit != 0 }

func (s ChannelState) ActivelyMoving() bool        { return s.Has(StateActivelyMoving) }
func (s ChannelState) ClosedLoopActive() bool      { return s.Has(StateClosedLoopActive) }
func (s ChannelState) Calibrating() bool           { return s.Has(StateCalibrating) }
func (s ChannelState) Referencing() bool           { return s.Has(StateReferencing) }
func (s ChannelState) MoveDelayed() bool           { return s.Has(StateMoveDelayed) }
func (s ChannelState) SensorPresent() bool         { return s.Has(StateSensorPresent) }
func (s ChannelState) IsCalibrated() bool          { return s.Has(StateIsCalibrated) }
func (s ChannelState) IsReferenced() bool          { return s.Has(StateIsReferenced) }
func (s ChannelState) EndStopReached() bool        { return s.Has(StateEndStopReached) }
func (s ChannelState) RangeLimitReached() bool     { return s.Has(StateRangeLimitReached) }
func (s ChannelState) FollowingLimitReached() bool { return s.Has(StateFollowingLimitReached) }
func (s ChannelState) MovementFailed() bool        { return s.Has(StateMovementFailed) }

// All returns a k:v map of all bits in the bitfield
func (s ChannelState) All() map[string]bool {
	return map[string]bool{
		"ActivelyMoving":        s.ActivelyMoving(),
		"ClosedLoopActive":      s.ClosedLoopActive(),
		"Calibrating":           s.Calibrating(),
		"Referencing":           s.Referencing(),
		"MoveDelayed":           s.MoveDelayed(),
		"SensorPresent":         s.SensorPresent(),
		"IsCalibrated":          s.IsCalibrated(),
		"IsReferenced":          s.IsReferenced(),
		"EndStopReached":        s.EndStopReached(),
		"RangeLimitReached":     s.RangeLimitReached(),
		"FollowingLimitReached": s.FollowingLimitReached(),
		"MovementFailed":        s.MovementFailed(),
	}
}

type LimitState int

const (
	LimitNone LimitState = iota
	LimitLow
	LimitHigh
)

func (l LimitState) String() string {
	switch l {
	case LimitLow:
		return "LOW"
	case LimitHigh:
		return "HIGH"
	default:
		return "NONE"
	}
}
