// Package domain defines the persistence models for users, their credit
// buckets, and generation jobs. These types are mapped with GORM and form the
// core data layer shared by the ledger, repository, and service layers.
package domain

import (
	"time"
)

// PlanFree is the plan assigned to newly provisioned users.
const PlanFree = "free"

// Job status labels. Only these take part in the credit-bearing lifecycle;
// any other label is an auxiliary, non-terminal status.
const (
	JobStatusPending            = "pending"
	JobStatusCompleted          = "completed"
	JobStatusCompletedWithImage = "completed-with-image"
	JobStatusFailed             = "failed"
)

// User is the wallet of a single account: one credit balance per bucket plus
// the bookkeeping the lazy daily reset needs.
//
// Fields:
//   - ID: user identifier (Firebase uid); primary key.
//   - Credits: bucket name -> remaining units; every value is >= 0 at commit.
//   - Usage: bucket name -> reservations not refunded, lifetime.
//   - LastResetDate: "YYYY-MM-DD" in the reset time zone; never moves backwards.
//   - RecentRequests: bounded audit trail of reserved request ids.
//   - Version: optimistic-concurrency token bumped on every write.
type User struct {
	ID             string     `json:"id"             gorm:"type:varchar(128);primaryKey"`
	Email          string     `json:"email"          gorm:"type:varchar(320)"`
	Plan           string     `json:"plan"           gorm:"type:varchar(32);not null;default:'free'"`
	Credits        Credits    `json:"credits"        gorm:"type:text;not null"`
	Usage          Credits    `json:"usage"          gorm:"type:text"`
	LastResetDate  string     `json:"lastResetDate"  gorm:"type:varchar(10);not null"`
	RecentRequests RequestLog `json:"recentRequests" gorm:"type:text;not null"`
	Version        int64      `json:"-"              gorm:"not null;default:0"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Job is one generation request, keyed by (Collection, RequestID).
//
// Refunded is tri-state: nil means the refund question never came up, true
// means the credit was restored. There is no explicit false.
type Job struct {
	Collection    string     `json:"collection"              gorm:"type:varchar(64);primaryKey"`
	RequestID     string     `json:"requestId"               gorm:"type:varchar(128);primaryKey"`
	UID           string     `json:"uid"                     gorm:"type:varchar(128);not null;index:idx_jobs_owner,priority:1"`
	Type          string     `json:"type"                    gorm:"type:varchar(64);not null"`
	Status        string     `json:"status"                  gorm:"type:varchar(32);not null;index"`
	Content       JSON       `json:"content"                 gorm:"type:text"`
	Fields        JSON       `json:"fields,omitempty"        gorm:"type:text"`
	CoverImageURL *string    `json:"coverImageUrl,omitempty" gorm:"type:text"`
	Refunded      *bool      `json:"refunded"`
	Version       int64      `json:"-"                       gorm:"not null;default:0"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"               gorm:"index:idx_jobs_owner,priority:2"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// TableName returns the database table name for Job.
func (Job) TableName() string { return "jobs" }

// IsRefunded reports whether the job's credit has already been restored.
func (j *Job) IsRefunded() bool { return j.Refunded != nil && *j.Refunded }

// IsTerminal reports whether the job reached completed or failed.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}
