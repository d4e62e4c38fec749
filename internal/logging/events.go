package logging

// EventLogger provides structured event logging for the telemetry fan-out
// paths, keeping log shapes consistent across handlers.
type EventLogger struct {
	log func(level Level, msg string, fields ...Field)
}

// NewEventLogger creates a new EventLogger backed by the global logging functions
func NewEventLogger() *EventLogger {
	return &EventLogger{
		log: log,
	}
}

// Message logs message routing events
// action: route|reject|drop
// status: ok|failed
func (e *EventLogger) Message(action, deviceID, messageType, status, reason string) {
	level := DebugLevel
	if action == "reject" || status == "failed" {
		level = WarnLevel
	}

	fields := []Field{
		F("event", "message"),
		F("action", action),
		F("status", status),
	}
	if deviceID != "" {
		fields = append(fields, F("device_id", deviceID))
	}
	if messageType != "" {
		fields = append(fields, F("message_type", messageType))
	}
	if reason != "" {
		fields = append(fields, F("reason", reason))
	}
	e.log(level, "message_event", fields...)
}

// Image logs image lifecycle events
// action: chunk|complete|abandon|reap|promote|dedup|timeout|sweep
func (e *EventLogger) Image(action, deviceID, messageID, object, reason string) {
	level := DebugLevel
	switch action {
	case "complete", "promote", "sweep", "reap":
		level = InfoLevel
	case "abandon", "timeout":
		level = WarnLevel
	}

	fields := []Field{
		F("event", "image"),
		F("action", action),
	}
	if deviceID != "" {
		fields = append(fields, F("device_id", deviceID))
	}
	if messageID != "" {
		fields = append(fields, F("message_id", messageID))
	}
	if object != "" {
		fields = append(fields, F("object", object))
	}
	if reason != "" {
		fields = append(fields, F("reason", reason))
	}
	e.log(level, "image_event", fields...)
}

// History logs device history cache events
// action: update|conflict|exhausted
func (e *EventLogger) History(action, deviceID, varName, reason string) {
	level := DebugLevel
	if action == "exhausted" {
		level = ErrorLevel
	}

	fields := []Field{
		F("event", "history"),
		F("action", action),
		F("device_id", deviceID),
		F("var", varName),
	}
	if reason != "" {
		fields = append(fields, F("reason", reason))
	}
	e.log(level, "history_event", fields...)
}

// Infra logs infrastructure events
// action: connect|disconnect|error|retry|read|write|ack
// component: redis|postgres|blob|http
// status: success|failed
func (e *EventLogger) Infra(action, component, status, details string) {
	level := DebugLevel
	if status == "failed" || action == "error" {
		level = ErrorLevel
	} else if action == "retry" {
		level = WarnLevel
	}

	fields := []Field{
		F("event", "infra"),
		F("action", action),
		F("component", component),
		F("status", status),
	}
	if details != "" {
		fields = append(fields, F("details", details))
	}
	e.log(level, "infra_event", fields...)
}
