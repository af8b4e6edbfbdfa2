package tokens

func (s *Service) VerifyAccess(tokenStr string) (*Claims, error) {
	claims, err := s.Verify(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.Kind != KindAccess {
		return nil, ErrInvalid
	}
	return claims, nil
}
