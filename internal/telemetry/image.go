package telemetry

import "time"

// ChunkRecord is one stored fragment of a chunked image transfer. Identity
// is (DeviceID, MessageID, ChunkIndex); re-inserting the same index
// overwrites, which makes chunk delivery idempotent under bus redelivery.
type ChunkRecord struct {
    DeviceID    string    `json:"deviceId"`
    MessageID   string    `json:"messageId"`
    VarName     string    `json:"varName"`
    ImageType   string    `json:"imageType"`
    ChunkIndex  int       `json:"chunkNum"`
    TotalChunks int       `json:"totalChunks"`
    Fragment    string    `json:"imageChunk"`
    ReceivedAt  time.Time `json:"timestamp"`
}

// ImageRef is the published reference to an image stored in the destination
// bucket, appended for UI consumption.
type ImageRef struct {
    DeviceID     string
    PublicURL    string
    CameraName   string
    CreationDate string
}
