package dto

import (
	"time"

	"github.com/careline/careline-go-api/internal/models"
)

// ChatStartRequest creates or returns the room between a doctor and a patient.
type ChatStartRequest struct {
	DoctorID  string `json:"doctor_id" validate:"required,max=64"`
	PatientID string `json:"patient_id" validate:"required,max=64"`
}

// ChatSendRequest is the payload for sending a message, shared by the REST
// fallback and the socket path.
type ChatSendRequest struct {
	RoomID           string             `json:"room_id" validate:"required,min=3,max=40"`
	Content          string             `json:"content" validate:"omitempty,max=4000"`
	Type             string             `json:"message_type" validate:"omitempty,oneof=text image file audio video"`
	Priority         string             `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	IsUrgent         bool               `json:"is_urgent"`
	ReplyToMessageID *string            `json:"reply_to_message_id,omitempty" validate:"omitempty,max=40"`
	Attachment       *AttachmentPayload `json:"attachment,omitempty"`
}

// AttachmentPayload carries attachment metadata produced by the upload endpoint.
type AttachmentPayload struct {
	FileName     string  `json:"file_name" validate:"required,max=255"`
	FileType     string  `json:"file_type" validate:"required,oneof=image document audio video file"`
	FileURL      string  `json:"file_url" validate:"required,url"`
	FileSize     int64   `json:"file_size" validate:"gte=0"`
	MimeType     string  `json:"mime_type,omitempty"`
	ThumbnailURL string  `json:"thumbnail_url,omitempty"`
	Duration     float64 `json:"duration,omitempty"`
}

// ChatHistoryQuery filters paginated room history. Page 1 is the most recent
// page; messages within a page are chronological.
type ChatHistoryQuery struct {
	RoomID string `query:"room_id" validate:"required,min=3,max=40"`
	Page   int    `query:"page" validate:"omitempty,min=1"`
	Limit  int    `query:"limit" validate:"omitempty,min=1,max=100"`
}

// ChatMarkReadRequest marks a single message or, when MessageID is empty, the
// whole room as read for the caller.
type ChatMarkReadRequest struct {
	RoomID    string `json:"room_id" validate:"required,min=3,max=40"`
	MessageID string `json:"message_id" validate:"omitempty,max=40"`
}

// ChatSearchRequest searches the caller's messages.
type ChatSearchRequest struct {
	Query string `json:"query" validate:"required,min=1,max=200"`
	Limit int    `json:"limit" validate:"omitempty,min=1,max=100"`
}

// ChatEditRequest replaces the content of a message the caller sent.
type ChatEditRequest struct {
	MessageID string `json:"message_id" validate:"required,max=40"`
	Content   string `json:"content" validate:"required,min=1,max=4000"`
}

// ChatDeleteRequest soft-deletes a message the caller sent.
type ChatDeleteRequest struct {
	MessageID string `json:"message_id" validate:"required,max=40"`
}

// ChatMessageResponse is the serialized representation of a message.
type ChatMessageResponse struct {
	MessageID        string                     `json:"message_id"`
	RoomID           string                     `json:"room_id"`
	SenderID         string                     `json:"sender_id"`
	SenderRole       string                     `json:"sender_role"`
	ReceiverID       string                     `json:"receiver_id"`
	ReceiverRole     string                     `json:"receiver_role"`
	Type             string                     `json:"message_type"`
	Content          string                     `json:"content"`
	Attachments      []models.MessageAttachment `json:"attachments"`
	Reactions        []models.MessageReaction   `json:"reactions"`
	Priority         string                     `json:"priority"`
	IsUrgent         bool                       `json:"is_urgent"`
	ReplyToMessageID *string                    `json:"reply_to_message_id,omitempty"`
	IsRead           bool                       `json:"is_read"`
	ReadAt           *time.Time                 `json:"read_at,omitempty"`
	IsEdited         bool                       `json:"is_edited"`
	EditedAt         *time.Time                 `json:"edited_at,omitempty"`
	IsDeleted        bool                       `json:"is_deleted"`
	DeletedAt        *time.Time                 `json:"deleted_at,omitempty"`
	CreatedAt        time.Time                  `json:"created_at"`
}

// NewChatMessageResponse converts a model into a DTO.
func NewChatMessageResponse(message models.ChatMessage) ChatMessageResponse {
	return ChatMessageResponse{
		MessageID:        message.MessageID,
		RoomID:           message.RoomID,
		SenderID:         message.SenderID,
		SenderRole:       message.SenderRole,
		ReceiverID:       message.ReceiverID,
		ReceiverRole:     message.ReceiverRole,
		Type:             message.Type,
		Content:          message.Content,
		Attachments:      message.Attachments,
		Reactions:        message.Reactions,
		Priority:         message.Priority,
		IsUrgent:         message.IsUrgent,
		ReplyToMessageID: message.ReplyToMessageID,
		IsRead:           message.IsRead,
		ReadAt:           message.ReadAt,
		IsEdited:         message.IsEdited,
		EditedAt:         message.EditedAt,
		IsDeleted:        message.IsDeleted,
		DeletedAt:        message.DeletedAt,
		CreatedAt:        message.CreatedAt,
	}
}

// NewChatMessageResponseSlice converts a slice of models into DTOs.
func NewChatMessageResponseSlice(messages []models.ChatMessage) []ChatMessageResponse {
	out := make([]ChatMessageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewChatMessageResponse(message))
	}
	return out
}

// ParticipantInfo is the counterpart summary attached to room listings.
type ParticipantInfo struct {
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
	Name           string `json:"name"`
	Specialization string `json:"specialization,omitempty"`
	Hospital       string `json:"hospital,omitempty"`
	IsOnline       bool   `json:"is_online"`
}

// ChatRoomResponse is the serialized representation of a room.
type ChatRoomResponse struct {
	RoomID             string           `json:"room_id"`
	DoctorID           string           `json:"doctor_id"`
	PatientID          string           `json:"patient_id"`
	LastMessage        string           `json:"last_message"`
	LastMessageTime    *time.Time       `json:"last_message_time,omitempty"`
	UnreadCountDoctor  int              `json:"unread_count_doctor"`
	UnreadCountPatient int              `json:"unread_count_patient"`
	IsActive           bool             `json:"is_active"`
	CreatedAt          time.Time        `json:"created_at"`
	Counterpart        *ParticipantInfo `json:"counterpart,omitempty"`
}

// NewChatRoomResponse converts a room model into a DTO.
func NewChatRoomResponse(room models.ChatRoom) ChatRoomResponse {
	return ChatRoomResponse{
		RoomID:             room.RoomID,
		DoctorID:           room.DoctorID,
		PatientID:          room.PatientID,
		LastMessage:        room.LastMessage,
		LastMessageTime:    room.LastMessageTime,
		UnreadCountDoctor:  room.UnreadCountDoctor,
		UnreadCountPatient: room.UnreadCountPatient,
		IsActive:           room.IsActive,
		CreatedAt:          room.CreatedAt,
	}
}

// ChatHistoryResponse wraps a page of messages.
type ChatHistoryResponse struct {
	Messages []ChatMessageResponse `json:"messages"`
	Page     int                   `json:"page"`
	Limit    int                   `json:"limit"`
	HasMore  bool                  `json:"has_more"`
}

// ChatRoomListResponse wraps a room listing.
type ChatRoomListResponse struct {
	Rooms      []ChatRoomResponse `json:"chat_rooms"`
	TotalRooms int                `json:"total_rooms"`
}

// UnreadCountResponse reports the caller's aggregate unread message count.
type UnreadCountResponse struct {
	UnreadCount int64 `json:"unread_count"`
}

// ChatSearchResponse wraps search results.
type ChatSearchResponse struct {
	Messages     []ChatMessageResponse `json:"messages"`
	TotalResults int                   `json:"total_results"`
	Query        string                `json:"search_query"`
}

// UploadResponse returns attachment metadata for an uploaded binary. Clients
// embed it in a subsequent send request.
type UploadResponse struct {
	Attachment AttachmentPayload `json:"attachment"`
}
