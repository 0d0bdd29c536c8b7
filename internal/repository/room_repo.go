package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/careline/careline-go-api/internal/models"
)

// ChatRoomRepository manages room rows. At most one room exists per
// (doctor_id, patient_id) pair; the unique index is the arbiter when two
// creators race.
type ChatRoomRepository interface {
	GetOrCreate(ctx context.Context, doctorID, patientID string) (models.ChatRoom, bool, error)
	GetByRoomID(ctx context.Context, roomID string) (models.ChatRoom, error)
	GetByParticipants(ctx context.Context, doctorID, patientID string) (models.ChatRoom, error)
	ListForUser(ctx context.Context, userID, role string) ([]models.ChatRoom, error)
}

type chatRoomRepository struct {
	db *gorm.DB
}

// NewChatRoomRepository constructs a room repository backed by GORM.
func NewChatRoomRepository(db *gorm.DB) ChatRoomRepository {
	return &chatRoomRepository{db: db}
}

// GetOrCreate finds the room for the pair or inserts a fresh one. When the
// insert loses a creation race it re-reads the winning row instead of
// erroring, so both racers observe the same room.
func (r *chatRoomRepository) GetOrCreate(ctx context.Context, doctorID, patientID string) (models.ChatRoom, bool, error) {
	existing, err := r.GetByParticipants(ctx, doctorID, patientID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ChatRoom{}, false, err
	}

	room := models.ChatRoom{
		RoomID:    models.NewRoomID(),
		DoctorID:  doctorID,
		PatientID: patientID,
		IsActive:  true,
	}

	if createErr := r.db.WithContext(ctx).Create(&room).Error; createErr != nil {
		winner, readErr := r.GetByParticipants(ctx, doctorID, patientID)
		if readErr == nil {
			return winner, false, nil
		}
		return models.ChatRoom{}, false, createErr
	}

	return room, true, nil
}

func (r *chatRoomRepository) GetByRoomID(ctx context.Context, roomID string) (models.ChatRoom, error) {
	var room models.ChatRoom
	err := r.db.WithContext(ctx).Where("room_id = ?", roomID).First(&room).Error
	if err != nil {
		return models.ChatRoom{}, err
	}
	return room, nil
}

func (r *chatRoomRepository) GetByParticipants(ctx context.Context, doctorID, patientID string) (models.ChatRoom, error) {
	var room models.ChatRoom
	err := r.db.WithContext(ctx).
		Where("doctor_id = ? AND patient_id = ?", doctorID, patientID).
		First(&room).Error
	if err != nil {
		return models.ChatRoom{}, err
	}
	return room, nil
}

// ListForUser returns the user's rooms, newest activity first.
func (r *chatRoomRepository) ListForUser(ctx context.Context, userID, role string) ([]models.ChatRoom, error) {
	column := "patient_id"
	if role == models.RoleDoctor {
		column = "doctor_id"
	}

	var rooms []models.ChatRoom
	err := r.db.WithContext(ctx).
		Where(column+" = ?", userID).
		Order("updated_at DESC").
		Find(&rooms).Error
	if err != nil {
		return nil, err
	}
	return rooms, nil
}
