package dto

import (
	"encoding/json"
	"time"
)

// Socket event names. Client-to-server events drive the connection state
// machine; server-to-client events are broadcast to room subscribers.
const (
	EventConnect     = "connect"
	EventJoinRoom    = "join_chat_room"
	EventLeaveRoom   = "leave_chat_room"
	EventSendMessage = "send_message"
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"
	EventMessageRead = "message_read"
	EventConnected   = "connected"
	EventRoomJoined  = "room_joined"
	EventUserJoined  = "user_joined"
	EventUserLeft    = "user_left"
	EventNewMessage  = "new_message"
	EventUserTyping  = "user_typing"
	EventReadReceipt = "message_read_receipt"
	EventUnreadCount = "unread_count"
	EventError       = "error"
)

// SocketEnvelope is the wire framing for every socket frame in either
// direction: an event name plus a JSON payload.
type SocketEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundEvent is a server-to-client frame before serialization.
type OutboundEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// ConnectPayload is the authentication handshake, required as the first frame.
type ConnectPayload struct {
	UserID   string `json:"user_id" validate:"required,max=64"`
	UserType string `json:"user_type" validate:"required,oneof=patient doctor"`
	UserName string `json:"user_name" validate:"omitempty,max=255"`
}

// RoomPayload addresses a room for join/leave/typing events.
type RoomPayload struct {
	RoomID string `json:"room_id" validate:"required,min=3,max=40"`
}

// ReadPayload acknowledges a message as read over the socket.
type ReadPayload struct {
	MessageID string `json:"message_id" validate:"required,max=40"`
	RoomID    string `json:"room_id" validate:"required,min=3,max=40"`
}

// ConnectedPayload confirms a successful handshake.
type ConnectedPayload struct {
	Message   string    `json:"message"`
	UserID    string    `json:"user_id"`
	UserType  string    `json:"user_type"`
	Timestamp time.Time `json:"timestamp"`
}

// RoomEventPayload announces membership changes and typing state to a room.
type RoomEventPayload struct {
	UserID    string    `json:"user_id"`
	UserRole  string    `json:"user_role"`
	UserName  string    `json:"user_name,omitempty"`
	RoomID    string    `json:"room_id"`
	IsTyping  bool      `json:"is_typing,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadReceiptPayload notifies a room that a message was read.
type ReadReceiptPayload struct {
	MessageID string    `json:"message_id"`
	RoomID    string    `json:"room_id"`
	ReadBy    string    `json:"read_by"`
	ReadAt    time.Time `json:"read_at"`
}

// ErrorPayload is sent to a single connection when one of its events fails.
type ErrorPayload struct {
	Message string `json:"message"`
}
