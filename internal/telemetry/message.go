package telemetry

import (
    "encoding/json"
    "strings"
    "time"
)

// Message types declared by devices in the messageType payload key.
const (
    TypeEnvVar       = "EnvVar"
    TypeCommandReply = "CommandReply"
    TypeImage        = "Image" // legacy chunked image path
    TypeImageUpload  = "ImageUpload"
)

// Payload keys common to all messages.
const (
    KeyMessageType = "messageType"
    KeyVar         = "var"
    KeyValues      = "values"
)

// Payload keys for image messages.
const (
    KeyVarName     = "varName"
    KeyImageType   = "imageType"
    KeyFileName    = "fileName"
    KeyChunk       = "chunk"
    KeyTotalChunks = "totalChunks"
    KeyImageChunk  = "imageChunk"
    KeyMessageID   = "messageID"
)

// Message is one decoded inbound bus message. It exists only for the
// duration of handling.
type Message struct {
    DeviceID string
    Payload  map[string]any
}

// Envelope carries the bus-level attributes alongside the raw payload text.
type Envelope struct {
    DeviceID    string `json:"deviceId"`
    SubFolder   string `json:"subFolder"`
    DeviceNumID string `json:"deviceNumId"`
    Payload     []byte `json:"payload"`
}

// Decode parses the UTF-8 JSON payload of an envelope into a Message.
func Decode(env Envelope) (Message, error) {
    var payload map[string]any
    if err := json.Unmarshal(env.Payload, &payload); err != nil {
        return Message{}, &Err{Code: "bad_payload", Message: err.Error()}
    }
    return Message{DeviceID: env.DeviceID, Payload: payload}, nil
}

// Type returns the declared message type if it is a member of the closed
// set, or an error for a missing or unknown declaration.
func (m Message) Type() (string, error) {
    v, ok := m.Payload[KeyMessageType]
    if !ok {
        return "", &Err{Code: "missing_type", Message: "missing key " + KeyMessageType}
    }
    s, _ := v.(string)
    switch s {
    case TypeEnvVar, TypeCommandReply, TypeImage, TypeImageUpload:
        return s, nil
    }
    return "", &Err{Code: "bad_type", Message: "invalid value for key " + KeyMessageType}
}

// String fetches a payload key as a string; absent or non-string keys
// return "" and false.
func (m Message) String(key string) (string, bool) {
    v, ok := m.Payload[key]
    if !ok {
        return "", false
    }
    s, ok := v.(string)
    return s, ok
}

// Int fetches a payload key as an int, tolerating the float64 that
// encoding/json produces for JSON numbers.
func (m Message) Int(key string) (int, bool) {
    switch v := m.Payload[key].(type) {
    case float64:
        return int(v), true
    case int:
        return v, true
    case json.Number:
        n, err := v.Int64()
        if err != nil {
            return 0, false
        }
        return int(n), true
    }
    return 0, false
}

// HistoryEntry is one sample in a device's bounded per-variable history.
type HistoryEntry struct {
    Timestamp string `json:"timestamp"`
    Name      string `json:"name"`
    Value     string `json:"value"`
}

// UTCTimestamp renders t the way rows and entries are keyed everywhere in
// this service: 2006-01-02T15:04:05Z, always UTC.
func UTCTimestamp(t time.Time) string {
    return t.UTC().Format("2006-01-02T15:04:05Z")
}

// ScrubID removes the id-separator character from a device or variable
// name before it is embedded in a composite row id.
func ScrubID(s string) string {
    return strings.ReplaceAll(s, "~", "")
}

type Err struct {
    Code    string
    Message string
}

func (e *Err) Error() string { return e.Code + ": " + e.Message }
