// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Job model.
//
// Functions:
//
//   - GetJob(ctx, db, collection, requestID) -> *domain.Job, error
//   - JobExists(ctx, db, collection, requestID) -> bool, error
//   - CreateJob(ctx, db, job) -> error (ErrDuplicate on an existing key)
//   - UpdateJobVersioned(ctx, db, job, changes) -> error (ErrConflict on a stale version)
//   - CountJobs / ListJobsPage for owner-scoped pagination.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-credit-ledger/internal/domain"
)

// GetJob fetches a job by its collection and request id, or ErrNotFound.
func GetJob(ctx context.Context, db *gorm.DB, collection, requestID string) (*domain.Job, error) {
	var j domain.Job
	err := db.WithContext(ctx).
		Where("collection = ? AND request_id = ?", collection, requestID).
		First(&j).Error
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// JobExists reports whether a job with the given key exists. A miss is not an
// error.
func JobExists(ctx context.Context, db *gorm.DB, collection, requestID string) (bool, error) {
	var j domain.Job
	res := db.WithContext(ctx).
		Select("collection", "request_id").
		Where("collection = ? AND request_id = ?", collection, requestID).
		Limit(1).
		Find(&j)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CreateJob inserts j as a plain create. It returns ErrDuplicate when a job
// with the same (collection, request_id) already exists.
func CreateJob(ctx context.Context, db *gorm.DB, j *domain.Job) error {
	if err := db.WithContext(ctx).Create(j).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// UpdateJobVersioned applies changes to the job identified by j if its stored
// version still equals j.Version, then advances j.Version. The version column
// is managed here; callers must not put it in changes.
func UpdateJobVersioned(ctx context.Context, db *gorm.DB, j *domain.Job, changes map[string]any) error {
	expected := j.Version
	set := make(map[string]any, len(changes)+1)
	for k, v := range changes {
		set[k] = v
	}
	set["version"] = expected + 1

	res := db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("collection = ? AND request_id = ? AND version = ?", j.Collection, j.RequestID, expected).
		Updates(set)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	j.Version = expected + 1
	return nil
}

// CountJobs returns how many jobs uid owns in collection.
func CountJobs(ctx context.Context, db *gorm.DB, uid, collection string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("uid = ? AND collection = ?", uid, collection).
		Count(&total).Error
	return total, err
}

// ListJobsPage returns a page of uid's jobs in collection, newest first.
func ListJobsPage(ctx context.Context, db *gorm.DB, uid, collection string, offset, limit int) ([]domain.Job, error) {
	var out []domain.Job
	err := db.WithContext(ctx).
		Where("uid = ? AND collection = ?", uid, collection).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
