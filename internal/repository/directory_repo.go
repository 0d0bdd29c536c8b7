package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/careline/careline-go-api/internal/models"
)

// ConnectionRepository reads the external doctor-patient approval records. The
// chat core consumes them to gate room creation and sending; it never writes.
type ConnectionRepository interface {
	HasActiveConnection(ctx context.Context, doctorID, patientID string) (bool, error)
}

type connectionRepository struct {
	db *gorm.DB
}

// NewConnectionRepository constructs a read-only connection repository.
func NewConnectionRepository(db *gorm.DB) ConnectionRepository {
	return &connectionRepository{db: db}
}

func (r *connectionRepository) HasActiveConnection(ctx context.Context, doctorID, patientID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.CareConnection{}).
		Where("doctor_id = ? AND patient_id = ? AND status = ?", doctorID, patientID, models.ConnectionActive).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// DirectoryRepository looks up user records owned by the identity subsystem.
type DirectoryRepository interface {
	UserExists(ctx context.Context, userID, role string) (bool, error)
	GetPatient(ctx context.Context, patientID string) (models.Patient, error)
	GetDoctor(ctx context.Context, doctorID string) (models.Doctor, error)
}

type directoryRepository struct {
	db *gorm.DB
}

// NewDirectoryRepository constructs a read-only directory repository.
func NewDirectoryRepository(db *gorm.DB) DirectoryRepository {
	return &directoryRepository{db: db}
}

func (r *directoryRepository) UserExists(ctx context.Context, userID, role string) (bool, error) {
	switch role {
	case models.RolePatient:
		_, err := r.GetPatient(ctx, userID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return err == nil, err
	case models.RoleDoctor:
		_, err := r.GetDoctor(ctx, userID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return err == nil, err
	default:
		return false, nil
	}
}

func (r *directoryRepository) GetPatient(ctx context.Context, patientID string) (models.Patient, error) {
	var patient models.Patient
	err := r.db.WithContext(ctx).Where("patient_id = ?", patientID).First(&patient).Error
	if err != nil {
		return models.Patient{}, err
	}
	return patient, nil
}

func (r *directoryRepository) GetDoctor(ctx context.Context, doctorID string) (models.Doctor, error) {
	var doctor models.Doctor
	err := r.db.WithContext(ctx).Where("doctor_id = ?", doctorID).First(&doctor).Error
	if err != nil {
		return models.Doctor{}, err
	}
	return doctor, nil
}
