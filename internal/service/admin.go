package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Skotchmaster/pdf_translator/internal/models"
	"github.com/Skotchmaster/pdf_translator/internal/mykafka"
	"github.com/Skotchmaster/pdf_translator/internal/repo"
	"github.com/Skotchmaster/pdf_translator/internal/storage"
	"github.com/Skotchmaster/pdf_translator/pkg/logging"
)

type AdminService struct {
	Repo   *repo.GormRepo
	Jobs   *JobService
	Store  storage.Store
	Events mykafka.Publisher
}

func NewAdminService(r *repo.GormRepo, jobs *JobService, store storage.Store, events mykafka.Publisher) *AdminService {
	return &AdminService{Repo: r, Jobs: jobs, Store: store, Events: events}
}

type UserSummary struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Role      string     `json:"role"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login"`
	FileCount int64      `json:"file_count"`
	TotalSize int64      `json:"total_size"`
}

type Stats struct {
	TotalUsers  int64   `json:"total_users"`
	TotalFiles  int64   `json:"total_files"`
	TotalSize   int64   `json:"total_size"`
	TotalSizeMB float64 `json:"total_size_mb"`
}

func (s *AdminService) ListUsers(ctx context.Context) ([]UserSummary, error) {
	var (
		users []models.User
		usage map[string]models.UserStorage
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		users, err = s.Repo.ListUsers(gctx)
		return err
	})
	g.Go(func() (err error) {
		usage, err = s.Repo.StorageByUser(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]UserSummary, 0, len(users))
	for _, u := range users {
		st := usage[u.ID]
		out = append(out, UserSummary{
			ID:        u.ID,
			Username:  u.Username,
			Role:      u.Role,
			IsActive:  u.IsActive,
			CreatedAt: u.CreatedAt,
			LastLogin: u.LastLogin,
			FileCount: st.FileCount,
			TotalSize: st.TotalSize,
		})
	}
	return out, nil
}

func (s *AdminService) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		st.TotalUsers, err = s.Repo.CountUsers(gctx)
		return err
	})
	g.Go(func() (err error) {
		st.TotalFiles, st.TotalSize, err = s.Repo.JobTotals(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	st.TotalSizeMB = math.Round(float64(st.TotalSize)/(1<<20)*100) / 100
	return &st, nil
}

// DeleteUser removes a user with all jobs, files and config. Admins cannot
// delete themselves.
func (s *AdminService) DeleteUser(ctx context.Context, actor Requester, id string) error {
	l := logging.FromContext(ctx).With("svc", "admin.delete_user", "target_id", id)

	if id == actor.ID {
		return fmt.Errorf("%w: cannot delete your own account", ErrValidation)
	}
	u, err := s.Repo.GetUserByID(ctx, id)
	if err != nil {
		return notFound(err, "user")
	}

	n, err := s.Jobs.DeleteAllForUser(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Repo.DeleteUser(ctx, id); err != nil {
		return notFound(err, "user")
	}
	if err := s.Store.RemoveUser(ctx, id); err != nil {
		l.Warn("remove_user_files_failed", "error", err)
	}

	l.Info("user_deleted", "username", u.Username, "jobs_deleted", n)
	s.publish(ctx, mykafka.UserEvent{Type: mykafka.EventUserDeleted, UserID: id, Username: u.Username, ActorID: actor.ID})
	return nil
}

// ToggleUser flips is_active. Admins cannot toggle themselves.
func (s *AdminService) ToggleUser(ctx context.Context, actor Requester, id string) (*models.User, error) {
	if id == actor.ID {
		return nil, fmt.Errorf("%w: cannot change your own status", ErrValidation)
	}
	u, err := s.Repo.GetUserByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "user")
	}
	u.IsActive = !u.IsActive
	if err := s.Repo.SetUserActive(ctx, id, u.IsActive); err != nil {
		return nil, notFound(err, "user")
	}

	ev := mykafka.EventUserDeactivated
	if u.IsActive {
		ev = mykafka.EventUserActivated
	}
	s.publish(ctx, mykafka.UserEvent{Type: ev, UserID: id, Username: u.Username, ActorID: actor.ID})
	return u, nil
}

func (s *AdminService) SetRegistration(ctx context.Context, enabled bool) (*models.SystemSettings, error) {
	st, err := s.Repo.SetRegistrationEnabled(ctx, enabled)
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx).With("svc", "admin.settings").Info("registration_toggled", "enabled", enabled)
	return st, nil
}

func (s *AdminService) publish(ctx context.Context, ev mykafka.UserEvent) {
	if s.Events == nil {
		return
	}
	ev.At = time.Now().UTC()
	if err := s.Events.PublishEvent(ctx, mykafka.TopicUserEvents, ev.UserID, ev); err != nil {
		logging.FromContext(ctx).Warn("publish_failed", "topic", mykafka.TopicUserEvents, "event", ev.Type, "error", err)
	}
}
