// internal/model/event.go
package model

import "time"

// EventType represents the type of pipeline event
type EventType string

const (
	EventSampleRecorded  EventType = "SAMPLE_RECORDED"
	EventPacketRejected  EventType = "PACKET_REJECTED"
	EventStateChange     EventType = "STATE_CHANGE"
	EventSessionStarted  EventType = "SESSION_STARTED"
	EventSessionFinished EventType = "SESSION_FINISHED"
)

// PipelineEvent is published to observers such as the live websocket feed
type PipelineEvent struct {
	Type      EventType              `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
