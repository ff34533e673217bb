package logging

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldChannel carries the channel key, rendered as name#id.
	FieldChannel = "channel"
	// FieldConnection carries a connection's uuid.
	FieldConnection = "connection_id"
	// FieldSlot is the index of a connection's slot in the channel's slot table.
	FieldSlot = "slot"
	// FieldSeq is a message sequence number.
	FieldSeq = "seq"
	// FieldPath is a filesystem path.
	FieldPath = "path"
	// FieldEventType classifies a log line for filtering.
	FieldEventType = "event_type"
	// FieldErrorHint suggests the operator's next step.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
)
