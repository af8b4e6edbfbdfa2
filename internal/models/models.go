package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

type User struct {
	ID           string     `gorm:"primaryKey;type:text"      json:"id"`
	Username     string     `gorm:"uniqueIndex;not null"      json:"username"`
	PasswordHash string     `gorm:"not null"                  json:"-"`
	Role         string     `gorm:"not null;default:user"     json:"role"`
	IsActive     bool       `gorm:"not null;default:true"     json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed
}

type Job struct {
	ID               string     `gorm:"primaryKey;type:text"   json:"id"`
	OwnerID          string     `gorm:"index;not null"         json:"user_id"`
	Status           JobStatus  `gorm:"index;not null"         json:"status"`
	SourceFilename   string     `gorm:"not null"               json:"filename"`
	SourcePath       string     `gorm:"not null"               json:"-"`
	MonoArtifactPath string     `json:"-"`
	DualArtifactPath string     `json:"-"`
	Error            string     `json:"error,omitempty"`
	Progress         int        `gorm:"not null;default:0"     json:"progress"`
	// Async is set once a remote engine accepted the job and will call back.
	Async            bool       `gorm:"not null;default:false" json:"-"`
	SizeBytes        int64      `json:"file_size"`
	LangIn           string     `json:"lang_in"`
	LangOut          string     `json:"lang_out"`
	CreatedAt        time.Time  `gorm:"index"                  json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	return nil
}

// JobWithOwner is a history row joined with the owner's username.
type JobWithOwner struct {
	Job
	Username string
}

type UserConfig struct {
	OwnerID   string    `gorm:"primaryKey;type:text"`
	Data      string    `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

const SystemSettingsID = 1

type SystemSettings struct {
	ID                  uint `gorm:"primaryKey"`
	RegistrationEnabled bool `gorm:"not null;default:true"`
	UpdatedAt           time.Time
}

type UserStorage struct {
	UserID    string
	FileCount int64
	TotalSize int64
}

func All() []any {
	return []any{&User{}, &Job{}, &UserConfig{}, &SystemSettings{}}
}
