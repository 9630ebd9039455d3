package websocket

import (
	"time"

	"github.com/KevinKickass/OpenMachineBridge/internal/bridge"
	"github.com/KevinKickass/OpenMachineBridge/internal/runner"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Session messages
	MessageTypeAuth        MessageType = "auth"
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"

	// Bridge messages
	MessageTypeBridgeStatus   MessageType = "bridge_status"
	MessageTypeBridgeState    MessageType = "bridge_state"
	MessageTypeTickReport     MessageType = "tick_report"
	MessageTypeProductSpawned MessageType = "product_spawned"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewBridgeStatusMessage(status runner.Status) Message {
	return NewMessage(MessageTypeBridgeStatus, status)
}

func NewBridgeStateMessage(change runner.StateChange) Message {
	return NewMessage(MessageTypeBridgeState, change)
}

func NewTickReportMessage(report bridge.TickReport) Message {
	return NewMessage(MessageTypeTickReport, report)
}

func NewProductSpawnedMessage(event runner.SpawnEvent) Message {
	return NewMessage(MessageTypeProductSpawned, event)
}
