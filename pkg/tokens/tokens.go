package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

var (
	ErrExpired = errors.New("token expired") // 401
	ErrInvalid = errors.New("invalid token") // 401
)

type Claims struct {
	Role string `json:"role"`
	Kind string `json:"type"`
	jwt.RegisteredClaims
}

type Subject struct {
	ID   string
	Role string
}

type Pair struct {
	AccessToken  string
	RefreshToken string
	AccessExp    time.Time
	RefreshExp   time.Time
}

// Service signs and verifies tokens. It holds no state besides its keys.
type Service struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string

	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) secretFor(kind string) ([]byte, error) {
	switch kind {
	case KindAccess:
		return s.AccessSecret, nil
	case KindRefresh:
		if len(s.RefreshSecret) == 0 {
			return s.AccessSecret, nil
		}
		return s.RefreshSecret, nil
	default:
		return nil, fmt.Errorf("unknown token kind %q", kind)
	}
}

func (s *Service) ttlFor(kind string) time.Duration {
	if kind == KindRefresh {
		return s.RefreshTTL
	}
	return s.AccessTTL
}

func (s *Service) Issue(sub Subject, kind string) (string, time.Time, error) {
	secret, err := s.secretFor(kind)
	if err != nil {
		return "", time.Time{}, err
	}
	if len(secret) == 0 {
		return "", time.Time{}, errors.New("signing key is not configured")
	}

	now := s.now()
	exp := now.Add(s.ttlFor(kind))
	claims := Claims{
		Role: sub.Role,
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			Subject:   sub.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (s *Service) IssuePair(sub Subject) (*Pair, error) {
	access, accessExp, err := s.Issue(sub, KindAccess)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, refreshExp, err := s.Issue(sub, KindRefresh)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
	}, nil
}

// Verify checks signature and expiry. The key is picked by the "type" claim,
// so a refresh token never validates against the access key or vice versa.
func (s *Service) Verify(tokenStr string) (*Claims, error) {
	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	tkn, err := parser.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		c, ok := t.Claims.(*Claims)
		if !ok {
			return nil, errors.New("unexpected claims type")
		}
		return s.secretFor(c.Kind)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !tkn.Valid || claims.Subject == "" {
		return nil, ErrInvalid
	}
	return &claims, nil
}
