package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Getter reads a parameter by name. *paramstore.Client satisfies it.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Putter writes a parameter. When the getter handed to NewParamTokenSource
// also implements it, rotated refresh tokens are written back.
type Putter interface {
	PutParameter(ctx context.Context, name, value string) error
}

// tokenPayload is the expected JSON shape stored in SSM for the refresh token.
type tokenPayload struct {
	Token string `json:"token"`
}

// ParamTokenSource reads the refresh token from the parameter store on every
// refresh, so a rotated token is picked up without a restart.
type ParamTokenSource struct {
	getter Getter
	name   string
}

// NewParamTokenSource reads the token from "<paramPrefix>/refresh-token".
func NewParamTokenSource(getter Getter, paramPrefix string) (*ParamTokenSource, error) {
	if getter == nil {
		return nil, errors.New("backend: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("backend: parameter prefix must not be empty")
	}
	return &ParamTokenSource{getter: getter, name: paramPrefix + "/refresh-token"}, nil
}

// RefreshToken implements RefreshTokenSource.
func (s *ParamTokenSource) RefreshToken(ctx context.Context) (string, error) {
	return fetchTokenFromParamStore(ctx, s.getter, s.name)
}

// StoreRefreshToken implements RefreshTokenStore.
func (s *ParamTokenSource) StoreRefreshToken(ctx context.Context, token string) error {
	putter, ok := s.getter.(Putter)
	if !ok {
		return errors.New("backend: paramstore getter cannot write parameters")
	}
	if strings.TrimSpace(token) == "" {
		return errors.New("backend: refusing to store an empty refresh token")
	}
	raw, err := json.Marshal(tokenPayload{Token: token})
	if err != nil {
		return fmt.Errorf("backend: marshal refresh token: %w", err)
	}
	if err := putter.PutParameter(ctx, s.name, string(raw)); err != nil {
		return fmt.Errorf("backend: store refresh token: %w", err)
	}
	return nil
}

func fetchTokenFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("backend: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("backend: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("backend: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("backend: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("backend: refresh token is empty")
	}
	return tp.Token, nil
}
