package models

import "time"

// Connection statuses on the external doctor-patient approval record. Only
// "active" authorizes messaging; the chat core reads these rows but never
// writes them.
const (
	ConnectionActive    = "active"
	ConnectionPending   = "pending"
	ConnectionRemoved   = "removed"
	ConnectionCancelled = "cancelled"
)

// CareConnection is the approval record linking a patient to a doctor. Owned
// by the connections subsystem; read-only here.
type CareConnection struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	DoctorID  string    `gorm:"size:64;index:idx_connection_pair,priority:1" json:"doctor_id"`
	PatientID string    `gorm:"size:64;index:idx_connection_pair,priority:2" json:"patient_id"`
	Status    string    `gorm:"size:16;default:pending" json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Patient is the slice of the patient record the chat core needs for identity
// verification and room enrichment.
type Patient struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	PatientID string    `gorm:"size:64;uniqueIndex" json:"patient_id"`
	Name      string    `gorm:"size:255" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Doctor is the slice of the doctor record the chat core needs.
type Doctor struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	DoctorID       string    `gorm:"size:64;uniqueIndex" json:"doctor_id"`
	Name           string    `gorm:"size:255" json:"name"`
	Specialization string    `gorm:"size:128" json:"specialization"`
	Hospital       string    `gorm:"size:255" json:"hospital"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
