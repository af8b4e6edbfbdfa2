package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/Skotchmaster/pdf_translator/internal/keylock"
	"github.com/Skotchmaster/pdf_translator/internal/models"
	"github.com/Skotchmaster/pdf_translator/internal/mykafka"
	"github.com/Skotchmaster/pdf_translator/internal/repo"
	pkghash "github.com/Skotchmaster/pdf_translator/pkg/hash"
	"github.com/Skotchmaster/pdf_translator/pkg/logging"
	"github.com/Skotchmaster/pdf_translator/pkg/tokens"
)

const (
	minUsernameLen = 3
	maxUsernameLen = 50
	minPasswordLen = 6
	maxPasswordLen = 72
)

// dummyHash keeps unknown-user logins as slow as wrong-password ones.
var dummyHash, _ = pkghash.HashPassword("pdf-translator-timing-guard")

type AuthService struct {
	Repo   *repo.GormRepo
	Tokens *tokens.Service
	Events mykafka.Publisher

	userLocks *keylock.Map
	setupMu   sync.Mutex
}

func NewAuthService(r *repo.GormRepo, ts *tokens.Service, events mykafka.Publisher) *AuthService {
	return &AuthService{
		Repo:      r,
		Tokens:    ts,
		Events:    events,
		userLocks: keylock.New(),
	}
}

type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type Session struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	User         UserInfo `json:"user"`
}

type Status struct {
	Initialized       bool `json:"initialized"`
	AllowRegistration bool `json:"allow_registration"`
}

func userInfo(u *models.User) UserInfo {
	return UserInfo{ID: u.ID, Username: u.Username, Role: u.Role}
}

func (s *AuthService) Status(ctx context.Context) (*Status, error) {
	admins, err := s.Repo.CountAdmins(ctx)
	if err != nil {
		return nil, err
	}
	settings, err := s.Repo.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		Initialized:       admins > 0,
		AllowRegistration: settings.RegistrationEnabled,
	}, nil
}

// Setup creates the bootstrap admin. It succeeds once per installation.
func (s *AuthService) Setup(ctx context.Context, username, password string) (*Session, error) {
	l := logging.FromContext(ctx).With("svc", "auth.setup")

	s.setupMu.Lock()
	defer s.setupMu.Unlock()

	admins, err := s.Repo.CountAdmins(ctx)
	if err != nil {
		return nil, err
	}
	if admins > 0 {
		l.Warn("setup_rejected", "reason", "already initialized")
		return nil, fmt.Errorf("%w: system is already initialized", ErrConflict)
	}

	u, err := s.CreateUser(ctx, username, password, models.RoleAdmin)
	if err != nil {
		return nil, err
	}
	l.Info("setup_done", "user_id", u.ID)
	return s.session(u)
}

func (s *AuthService) Register(ctx context.Context, username, password string) (*Session, error) {
	l := logging.FromContext(ctx).With("svc", "auth.register")

	st, err := s.Status(ctx)
	if err != nil {
		return nil, err
	}
	if !st.Initialized {
		l.Warn("register_error", "status", 403, "reason", "setup not completed")
		return nil, fmt.Errorf("%w: system is not initialized", ErrForbidden)
	}
	if !st.AllowRegistration {
		l.Warn("register_error", "status", 403, "reason", "registration disabled")
		return nil, fmt.Errorf("%w: registration is disabled", ErrForbidden)
	}

	u, err := s.CreateUser(ctx, username, password, models.RoleUser)
	if err != nil {
		return nil, err
	}
	return s.session(u)
}

func (s *AuthService) CreateUser(ctx context.Context, username, password, role string) (*models.User, error) {
	l := logging.FromContext(ctx).With("svc", "auth.create_user")

	username = strings.TrimSpace(username)
	if err := validateCredentials(username, password); err != nil {
		return nil, err
	}
	if role != models.RoleAdmin && role != models.RoleUser {
		return nil, fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}

	unlock := s.userLocks.Lock(username)
	defer unlock()

	exists, err := s.Repo.UsernameExists(ctx, username)
	if err != nil {
		return nil, err
	}
	if exists {
		l.Warn("register_error", "status", 409, "reason", "user already exists")
		return nil, fmt.Errorf("%w: username already exists", ErrConflict)
	}

	pwHash, err := pkghash.HashPassword(password)
	if err != nil {
		l.Error("register_error", "status", 500, "reason", "cannot hash the password", "error", err)
		return nil, err
	}

	u := &models.User{
		Username:     username,
		PasswordHash: pwHash,
		Role:         role,
		IsActive:     true,
	}
	if err := s.Repo.CreateUserWithConfig(ctx, u, "{}"); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: username already exists", ErrConflict)
		}
		l.Error("register_error", "status", 500, "error", err)
		return nil, err
	}

	s.publish(ctx, mykafka.UserEvent{Type: mykafka.EventUserCreated, UserID: u.ID, Username: u.Username, Role: u.Role})
	return u, nil
}

// VerifyPassword never tells unknown users from wrong passwords.
func (s *AuthService) VerifyPassword(ctx context.Context, username, password string) (*models.User, error) {
	u, err := s.Repo.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			pkghash.CheckPassword(dummyHash, password)
			return nil, fmt.Errorf("%w: invalid username or password", ErrUnauthorized)
		}
		return nil, err
	}
	if !pkghash.CheckPassword(u.PasswordHash, password) {
		return nil, fmt.Errorf("%w: invalid username or password", ErrUnauthorized)
	}
	return u, nil
}

func (s *AuthService) Login(ctx context.Context, username, password string) (*Session, error) {
	l := logging.FromContext(ctx).With("svc", "auth.login", "username", username)

	u, err := s.VerifyPassword(ctx, username, password)
	if err != nil {
		l.Warn("login_failed", "error", err)
		return nil, err
	}
	if !u.IsActive {
		l.Warn("login_failed", "status", 403, "reason", "account disabled")
		return nil, fmt.Errorf("%w: account is disabled", ErrForbidden)
	}

	if err := s.Repo.TouchLastLogin(ctx, u.ID, time.Now().UTC()); err != nil {
		l.Warn("last_login_update_failed", "error", err)
	}

	s.publish(ctx, mykafka.UserEvent{Type: mykafka.EventUserLogin, UserID: u.ID, Username: u.Username})
	return s.session(u)
}

// Refresh rotates the token pair. Only live, active users get new tokens.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	l := logging.FromContext(ctx).With("svc", "auth.refresh")

	var u *models.User
	pair, _, err := s.Tokens.Refresh(refreshToken, func(id string) (tokens.Subject, error) {
		found, err := s.Repo.GetUserByID(ctx, id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return tokens.Subject{}, fmt.Errorf("%w: user no longer exists", ErrUnauthorized)
			}
			return tokens.Subject{}, err
		}
		if !found.IsActive {
			return tokens.Subject{}, fmt.Errorf("%w: account is disabled", ErrUnauthorized)
		}
		u = found
		return tokens.Subject{ID: found.ID, Role: found.Role}, nil
	})
	if err != nil {
		l.Warn("refresh_failed", "error", err)
		return nil, err
	}

	return &Session{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "bearer",
		User:         userInfo(u),
	}, nil
}

func (s *AuthService) Me(ctx context.Context, id string) (*models.User, error) {
	u, err := s.Repo.GetUserByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "user")
	}
	return u, nil
}

func (s *AuthService) ChangePassword(ctx context.Context, id, oldPassword, newPassword string) error {
	l := logging.FromContext(ctx).With("svc", "auth.change_password", "user_id", id)

	u, err := s.Repo.GetUserByID(ctx, id)
	if err != nil {
		return notFound(err, "user")
	}
	if !pkghash.CheckPassword(u.PasswordHash, oldPassword) {
		l.Warn("change_password_failed", "reason", "wrong current password")
		return fmt.Errorf("%w: current password is incorrect", ErrUnauthorized)
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	pwHash, err := pkghash.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.Repo.UpdatePasswordHash(ctx, id, pwHash); err != nil {
		return notFound(err, "user")
	}
	l.Info("password_changed")
	return nil
}

func (s *AuthService) session(u *models.User) (*Session, error) {
	pair, err := s.Tokens.IssuePair(tokens.Subject{ID: u.ID, Role: u.Role})
	if err != nil {
		return nil, err
	}
	return &Session{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "bearer",
		User:         userInfo(u),
	}, nil
}

func (s *AuthService) publish(ctx context.Context, ev mykafka.UserEvent) {
	if s.Events == nil {
		return
	}
	ev.At = time.Now().UTC()
	if err := s.Events.PublishEvent(ctx, mykafka.TopicUserEvents, ev.UserID, ev); err != nil {
		logging.FromContext(ctx).Warn("publish_failed", "topic", mykafka.TopicUserEvents, "event", ev.Type, "error", err)
	}
}

func validateCredentials(username, password string) error {
	if n := utf8.RuneCountInString(username); n < minUsernameLen || n > maxUsernameLen {
		return fmt.Errorf("%w: username must be %d-%d characters", ErrValidation, minUsernameLen, maxUsernameLen)
	}
	return validatePassword(password)
}

func validatePassword(password string) error {
	if len(password) < minPasswordLen || len(password) > maxPasswordLen {
		return fmt.Errorf("%w: password must be %d-%d bytes", ErrValidation, minPasswordLen, maxPasswordLen)
	}
	return nil
}
