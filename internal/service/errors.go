package service

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/Skotchmaster/pdf_translator/internal/models"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")   // 401
	ErrForbidden     = errors.New("forbidden")      // 403
	ErrNotFound      = errors.New("not found")      // 404
	ErrConflict      = errors.New("conflict")       // 409
	ErrInvalidFormat = errors.New("invalid format") // 400
	ErrValidation    = errors.New("validation")     // 400
	ErrUnavailable   = errors.New("unavailable")    // 503
	ErrRateLimited   = errors.New("rate limited")   // 429
)

// RateLimitError is ErrRateLimited with the wait the limiter asked for.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry in %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Requester is the authenticated caller as seen by the gateway.
type Requester struct {
	ID   string
	Role string
}

func (r Requester) IsAdmin() bool {
	return r.Role == models.RoleAdmin
}

func canAccess(job *models.Job, r Requester) bool {
	return r.IsAdmin() || job.OwnerID == r.ID
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return err
}
