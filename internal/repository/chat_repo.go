package repository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/careline/careline-go-api/internal/models"
)

const defaultPageSize = 50

// ChatMessageRepository is the durable message store. Append owns the
// store-then-broadcast ordering guarantee: the insert, the room summary update
// and the receiver's unread-counter increment commit as one transaction.
type ChatMessageRepository interface {
	Append(ctx context.Context, message *models.ChatMessage) error
	GetByMessageID(ctx context.Context, messageID string) (models.ChatMessage, error)
	ListByRoom(ctx context.Context, roomID string, page, limit int) ([]models.ChatMessage, error)
	MarkMessageRead(ctx context.Context, messageID, readerID string) (models.ChatMessage, error)
	MarkRoomRead(ctx context.Context, roomID, readerID, readerRole string) (int64, error)
	Edit(ctx context.Context, messageID, content string) (models.ChatMessage, error)
	SoftDelete(ctx context.Context, messageID string) (models.ChatMessage, error)
	Search(ctx context.Context, userID, role, query string, limit int) ([]models.ChatMessage, error)
	UnreadCount(ctx context.Context, userID, role string) (int64, error)
}

type chatMessageRepository struct {
	db *gorm.DB
}

// NewChatMessageRepository constructs a message repository backed by GORM.
func NewChatMessageRepository(db *gorm.DB) ChatMessageRepository {
	return &chatMessageRepository{db: db}
}

func (r *chatMessageRepository) Append(ctx context.Context, message *models.ChatMessage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room models.ChatRoom
		if err := tx.Where("room_id = ?", message.RoomID).First(&room).Error; err != nil {
			return err
		}

		if err := tx.Create(message).Error; err != nil {
			return err
		}

		// Truncate on rune boundaries so multibyte content stays valid UTF-8.
		summary := message.Content
		if runes := []rune(summary); len(runes) > 100 {
			summary = string(runes[:100])
		}

		counterColumn := "unread_count_patient"
		if message.ReceiverRole == models.RoleDoctor {
			counterColumn = "unread_count_doctor"
		}

		return tx.Model(&models.ChatRoom{}).
			Where("room_id = ?", message.RoomID).
			Updates(map[string]interface{}{
				"last_message":      summary,
				"last_message_time": message.CreatedAt,
				counterColumn:       gorm.Expr(counterColumn+" + ?", 1),
				"updated_at":        time.Now().UTC(),
			}).Error
	})
}

func (r *chatMessageRepository) GetByMessageID(ctx context.Context, messageID string) (models.ChatMessage, error) {
	var message models.ChatMessage
	err := r.db.WithContext(ctx).Where("message_id = ?", messageID).First(&message).Error
	if err != nil {
		return models.ChatMessage{}, err
	}
	return message, nil
}

// ListByRoom returns one page of room history. Page 1 holds the most recent
// messages; within the page messages are chronological oldest to newest.
func (r *chatMessageRepository) ListByRoom(ctx context.Context, roomID string, page, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 || limit > 100 {
		limit = defaultPageSize
	}
	if page <= 0 {
		page = 1
	}

	var messages []models.ChatMessage
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC").
		Order("id DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// MarkMessageRead flips a single receipt. Room unread counters are only reset
// by MarkRoomRead; counters track "unseen at all", decoupled from individual
// receipts.
func (r *chatMessageRepository) MarkMessageRead(ctx context.Context, messageID, readerID string) (models.ChatMessage, error) {
	var message models.ChatMessage
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", messageID).First(&message).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		if err := tx.Model(&models.ChatMessage{}).
			Where("message_id = ? AND receiver_id = ?", messageID, readerID).
			Updates(map[string]interface{}{"is_read": true, "read_at": now}).Error; err != nil {
			return err
		}

		message.IsRead = true
		message.ReadAt = &now
		return nil
	})
	if err != nil {
		return models.ChatMessage{}, err
	}
	return message, nil
}

func (r *chatMessageRepository) MarkRoomRead(ctx context.Context, roomID, readerID, readerRole string) (int64, error) {
	var updated int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		result := tx.Model(&models.ChatMessage{}).
			Where("room_id = ? AND receiver_id = ? AND is_read = ?", roomID, readerID, false).
			Updates(map[string]interface{}{"is_read": true, "read_at": now})
		if result.Error != nil {
			return result.Error
		}
		updated = result.RowsAffected

		counterColumn := "unread_count_patient"
		if readerRole == models.RoleDoctor {
			counterColumn = "unread_count_doctor"
		}

		return tx.Model(&models.ChatRoom{}).
			Where("room_id = ?", roomID).
			Update(counterColumn, 0).Error
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

func (r *chatMessageRepository) Edit(ctx context.Context, messageID, content string) (models.ChatMessage, error) {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("message_id = ?", messageID).
		Updates(map[string]interface{}{
			"content":   content,
			"is_edited": true,
			"edited_at": now,
		}).Error
	if err != nil {
		return models.ChatMessage{}, err
	}
	return r.GetByMessageID(ctx, messageID)
}

// SoftDelete replaces the content with a fixed marker and keeps the row so
// message ids and timestamps stay stable for downstream consumers.
func (r *chatMessageRepository) SoftDelete(ctx context.Context, messageID string) (models.ChatMessage, error) {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("message_id = ?", messageID).
		Updates(map[string]interface{}{
			"content":    models.DeletedContentMarker,
			"is_deleted": true,
			"deleted_at": now,
		}).Error
	if err != nil {
		return models.ChatMessage{}, err
	}
	return r.GetByMessageID(ctx, messageID)
}

// Search matches content case-insensitively, restricted to messages where the
// user is sender or receiver.
func (r *chatMessageRepository) Search(ctx context.Context, userID, role, query string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	pattern := "%" + strings.ToLower(query) + "%"
	var messages []models.ChatMessage
	err := r.db.WithContext(ctx).
		Where("((sender_id = ? AND sender_role = ?) OR (receiver_id = ? AND receiver_role = ?))", userID, role, userID, role).
		Where("LOWER(content) LIKE ?", pattern).
		Order("created_at DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *chatMessageRepository) UnreadCount(ctx context.Context, userID, role string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("receiver_id = ? AND receiver_role = ? AND is_read = ?", userID, role, false).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
