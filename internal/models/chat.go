package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Role values accepted for chat participants.
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
)

// Message types accepted by the store.
var MessageTypes = []string{"text", "image", "file", "audio", "video"}

// Message priorities accepted by the store.
var MessagePriorities = []string{"low", "normal", "high", "urgent"}

// DeletedContentMarker replaces the content of soft-deleted messages. The row
// is retained so ordering and reply references stay stable.
const DeletedContentMarker = "[message deleted]"

// MessageAttachment describes a stored binary referenced by a message. The
// binary itself lives in the external object store; only metadata is persisted.
type MessageAttachment struct {
	FileName     string    `json:"file_name"`
	FileType     string    `json:"file_type"`
	FileURL      string    `json:"file_url"`
	FileSize     int64     `json:"file_size"`
	MimeType     string    `json:"mime_type,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	Duration     float64   `json:"duration,omitempty"`
	UploadedAt   time.Time `json:"uploaded_at"`
}

// MessageReaction is an emoji reaction left on a message by a participant.
type MessageReaction struct {
	UserID    string    `json:"user_id"`
	UserRole  string    `json:"user_role"`
	Reaction  string    `json:"reaction"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatMessage is a single persisted message within a doctor-patient room.
type ChatMessage struct {
	ID               uint                                   `gorm:"primaryKey" json:"-"`
	MessageID        string                                 `gorm:"size:40;uniqueIndex" json:"message_id"`
	RoomID           string                                 `gorm:"size:40;index:idx_room_created,priority:1" json:"room_id"`
	SenderID         string                                 `gorm:"size:64;index" json:"sender_id"`
	SenderRole       string                                 `gorm:"size:16" json:"sender_role"`
	ReceiverID       string                                 `gorm:"size:64;index" json:"receiver_id"`
	ReceiverRole     string                                 `gorm:"size:16" json:"receiver_role"`
	Type             string                                 `gorm:"size:16;default:text" json:"type"`
	Content          string                                 `gorm:"type:text" json:"content"`
	Attachments      datatypes.JSONSlice[MessageAttachment] `gorm:"type:json" json:"attachments"`
	Reactions        datatypes.JSONSlice[MessageReaction]   `gorm:"type:json" json:"reactions"`
	Priority         string                                 `gorm:"size:16;default:normal" json:"priority"`
	IsUrgent         bool                                   `gorm:"not null;default:false" json:"is_urgent"`
	ReplyToMessageID *string                                `gorm:"size:40" json:"reply_to_message_id,omitempty"`
	IsRead           bool                                   `gorm:"not null;default:false" json:"is_read"`
	ReadAt           *time.Time                             `json:"read_at,omitempty"`
	IsEdited         bool                                   `gorm:"not null;default:false" json:"is_edited"`
	EditedAt         *time.Time                             `json:"edited_at,omitempty"`
	IsDeleted        bool                                   `gorm:"not null;default:false" json:"is_deleted"`
	DeletedAt        *time.Time                             `json:"deleted_at,omitempty"`
	CreatedAt        time.Time                              `gorm:"index:idx_room_created,priority:2" json:"created_at"`
	UpdatedAt        time.Time                              `json:"updated_at"`
}

// ChatRoom is the persistent 1:1 channel between one doctor and one patient.
// The (doctor_id, patient_id) pair is a natural key; the unique index is the
// tie-break for concurrent creation races.
type ChatRoom struct {
	ID                 uint       `gorm:"primaryKey" json:"-"`
	RoomID             string     `gorm:"size:40;uniqueIndex" json:"room_id"`
	DoctorID           string     `gorm:"size:64;uniqueIndex:idx_room_pair,priority:1" json:"doctor_id"`
	PatientID          string     `gorm:"size:64;uniqueIndex:idx_room_pair,priority:2" json:"patient_id"`
	LastMessage        string     `gorm:"size:120" json:"last_message"`
	LastMessageTime    *time.Time `json:"last_message_time,omitempty"`
	UnreadCountDoctor  int        `gorm:"not null;default:0" json:"unread_count_doctor"`
	UnreadCountPatient int        `gorm:"not null;default:0" json:"unread_count_patient"`
	IsActive           bool       `gorm:"not null;default:true" json:"is_active"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// ParticipantRole returns the role userID plays in the room, or "" when the
// user is not a participant.
func (r ChatRoom) ParticipantRole(userID string) string {
	switch userID {
	case r.DoctorID:
		return RoleDoctor
	case r.PatientID:
		return RolePatient
	default:
		return ""
	}
}

// Counterpart returns the other participant's id and role.
func (r ChatRoom) Counterpart(userID string) (string, string) {
	if userID == r.DoctorID {
		return r.PatientID, RolePatient
	}
	return r.DoctorID, RoleDoctor
}

// NewMessageID generates a message identifier.
func NewMessageID() string {
	return "MSG" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

// NewRoomID generates a room identifier.
func NewRoomID() string {
	return "RM" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

// ValidRole reports whether role is one of the two chat roles.
func ValidRole(role string) bool {
	return role == RolePatient || role == RoleDoctor
}

// ValidMessageType reports whether t is an accepted message type.
func ValidMessageType(t string) bool {
	for _, allowed := range MessageTypes {
		if t == allowed {
			return true
		}
	}
	return false
}

// ValidPriority reports whether p is an accepted priority.
func ValidPriority(p string) bool {
	for _, allowed := range MessagePriorities {
		if p == allowed {
			return true
		}
	}
	return false
}
