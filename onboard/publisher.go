package onboard

type Field string

const (
	FieldPosition     Field = "position"
	FieldTarget       Field = "target_position"
	FieldDoneMoving   Field = "done_moving"
	FieldMoving       Field = "moving"
	FieldInPosition   Field = "in_position"
	FieldSpeed        Field = "speed"
	FieldAcceleration Field = "acceleration"
	FieldHighLimit    Field = "high_limit"
	FieldLowLimit     Field = "low_limit"
	FieldTweakValue   Field = "tweak_value"
	FieldTweakForward Field = "tweak_forward"
	FieldTweakReverse Field = "tweak_reverse"
	FieldStop         Field = "stop"
	FieldUnits        Field = "units"
	FieldLastError    Field = "last_error"
	FieldChannelError Field = "channel_error"
)

// ReadableFields is the order fields are listed in snapshots.
var ReadableFields = []Field{
	FieldPosition, FieldTarget, FieldDoneMoving, FieldMoving, FieldInPosition,
	FieldSpeed, FieldAcceleration, FieldHighLimit, FieldLowLimit,
	FieldTweakValue, FieldUnits, FieldLastError, FieldChannelError,
}

// Publisher receives record field changes. Records call it while holding
// their own lock, so Publish must not block or call back into the record.
type Publisher interface {
	Publish(axis string, field Field, value interface{})
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, Field, interface{}) {}
