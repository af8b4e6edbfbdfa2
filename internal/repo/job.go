package repo

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/Skotchmaster/pdf_translator/internal/models"
)

func (r *GormRepo) CreateJob(ctx context.Context, j *models.Job) error {
	return r.DB.WithContext(ctx).Create(j).Error
}

func (r *GormRepo) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var j models.Job
	if err := r.DB.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *GormRepo) ListJobsByOwner(ctx context.Context, ownerID string) ([]models.Job, error) {
	var jobs []models.Job
	err := r.DB.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&jobs).Error
	return jobs, err
}

func (r *GormRepo) ListAllJobs(ctx context.Context) ([]models.JobWithOwner, error) {
	var rows []models.JobWithOwner
	err := r.DB.WithContext(ctx).
		Model(&models.Job{}).
		Select("jobs.*, users.username AS username").
		Joins("LEFT JOIN users ON users.id = jobs.owner_id").
		Order("jobs.created_at DESC").
		Scan(&rows).Error
	return rows, err
}

// ListJobsByIDs keeps the order of ids.
func (r *GormRepo) ListJobsByIDs(ctx context.Context, ids []string) ([]models.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var jobs []models.Job
	if err := r.DB.WithContext(ctx).Where("id IN ?", ids).Find(&jobs).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]models.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}
	out := make([]models.Job, 0, len(jobs))
	for _, id := range ids {
		if j, ok := byID[id]; ok {
			out = append(out, j)
		}
	}
	return out, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func (r *GormRepo) filenameQuery(ctx context.Context, ownerID, q string) *gorm.DB {
	tx := r.DB.WithContext(ctx).Model(&models.Job{}).
		Where(`LOWER(source_filename) LIKE LOWER(?) ESCAPE '\'`, "%"+likeEscaper.Replace(q)+"%")
	if ownerID != "" {
		tx = tx.Where("owner_id = ?", ownerID)
	}
	return tx
}

// SearchJobsByFilename is the database fallback when no search index is configured.
// q matches literally; % and _ are not wildcards.
func (r *GormRepo) SearchJobsByFilename(ctx context.Context, ownerID, q string, limit, offset int) ([]models.Job, error) {
	var jobs []models.Job
	err := r.filenameQuery(ctx, ownerID, q).Order("created_at DESC").Limit(limit).Offset(offset).Find(&jobs).Error
	return jobs, err
}

func (r *GormRepo) CountJobsByFilename(ctx context.Context, ownerID, q string) (int64, error) {
	var n int64
	err := r.filenameQuery(ctx, ownerID, q).Count(&n).Error
	return n, err
}

// MarkRunning moves a pending job to running. It reports false when the job
// was not pending.
func (r *GormRepo) MarkRunning(ctx context.Context, id string) (bool, error) {
	res := r.DB.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", id, models.JobPending).
		Updates(map[string]any{"status": models.JobRunning, "started_at": time.Now().UTC()})
	return res.RowsAffected > 0, res.Error
}

// MarkAsync flags a running job as handed off to an engine that reports back
// on its own.
func (r *GormRepo) MarkAsync(ctx context.Context, id string) (bool, error) {
	res := r.DB.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", id, models.JobRunning).
		Update("async", true)
	return res.RowsAffected > 0, res.Error
}

// SetProgress never moves progress backwards and leaves finished jobs alone.
func (r *GormRepo) SetProgress(ctx context.Context, id string, pct int) (bool, error) {
	res := r.DB.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status IN ? AND progress < ?", id, []models.JobStatus{models.JobPending, models.JobRunning}, pct).
		Update("progress", pct)
	return res.RowsAffected > 0, res.Error
}

// ListStaleAsync returns async jobs that started before the cutoff and are
// still running.
func (r *GormRepo) ListStaleAsync(ctx context.Context, before time.Time) ([]models.Job, error) {
	var jobs []models.Job
	err := r.DB.WithContext(ctx).
		Where("status = ? AND async = ? AND started_at < ?", models.JobRunning, true, before).
		Order("started_at").
		Find(&jobs).Error
	return jobs, err
}

func (r *GormRepo) CompleteJob(ctx context.Context, id, monoPath, dualPath string, at time.Time) (bool, error) {
	return r.finishJob(ctx, id, map[string]any{
		"status":             models.JobDone,
		"mono_artifact_path": monoPath,
		"dual_artifact_path": dualPath,
		"error":              "",
		"progress":           100,
		"finished_at":        at,
	})
}

func (r *GormRepo) FailJob(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	return r.finishJob(ctx, id, map[string]any{
		"status":      models.JobFailed,
		"error":       reason,
		"finished_at": at,
	})
}

func (r *GormRepo) finishJob(ctx context.Context, id string, fields map[string]any) (bool, error) {
	res := r.DB.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status IN ?", id, []models.JobStatus{models.JobPending, models.JobRunning}).
		Updates(fields)
	return res.RowsAffected > 0, res.Error
}

// FailUnfinished fails every pending or running job, e.g. ones left over by a
// previous process. Async jobs are skipped: their engine may still call back.
func (r *GormRepo) FailUnfinished(ctx context.Context, reason string, at time.Time) (int64, error) {
	res := r.DB.WithContext(ctx).Model(&models.Job{}).
		Where("status IN ? AND async = ?", []models.JobStatus{models.JobPending, models.JobRunning}, false).
		Updates(map[string]any{
			"status":      models.JobFailed,
			"error":       reason,
			"finished_at": at,
		})
	return res.RowsAffected, res.Error
}

func (r *GormRepo) DeleteJob(ctx context.Context, id string) error {
	res := r.DB.WithContext(ctx).Where("id = ?", id).Delete(&models.Job{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *GormRepo) StorageByUser(ctx context.Context) (map[string]models.UserStorage, error) {
	var rows []models.UserStorage
	err := r.DB.WithContext(ctx).Model(&models.Job{}).
		Select("owner_id AS user_id, COUNT(*) AS file_count, COALESCE(SUM(size_bytes), 0) AS total_size").
		Group("owner_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.UserStorage, len(rows))
	for _, s := range rows {
		out[s.UserID] = s
	}
	return out, nil
}

func (r *GormRepo) JobTotals(ctx context.Context) (count, size int64, err error) {
	var row struct {
		Count int64
		Size  int64
	}
	err = r.DB.WithContext(ctx).Model(&models.Job{}).
		Select("COUNT(*) AS count, COALESCE(SUM(size_bytes), 0) AS size").
		Scan(&row).Error
	return row.Count, row.Size, err
}
