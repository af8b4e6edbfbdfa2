package tokens

import "fmt"

// Resolver maps a refresh-token subject to the current identity, e.g. to
// reject deleted or disabled users.
type Resolver func(subjectID string) (Subject, error)

func (s *Service) VerifyRefresh(tokenStr string) (*Claims, error) {
	claims, err := s.Verify(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.Kind != KindRefresh {
		return nil, ErrInvalid
	}
	return claims, nil
}

// Refresh trades a refresh token for a new access token and a rotated
// refresh token. With a nil resolver the subject is taken from the claims.
func (s *Service) Refresh(refreshToken string, resolve Resolver) (*Pair, *Claims, error) {
	claims, err := s.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, nil, err
	}

	sub := Subject{ID: claims.Subject, Role: claims.Role}
	if resolve != nil {
		if sub, err = resolve(claims.Subject); err != nil {
			return nil, nil, fmt.Errorf("resolve subject: %w", err)
		}
	}

	pair, err := s.IssuePair(sub)
	if err != nil {
		return nil, nil, err
	}
	return pair, claims, nil
}
