package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"microapp-engine/internal/domain"
)

// millisThreshold separates epoch seconds from epoch milliseconds.
const millisThreshold = 1e12

var errNoExpiration = errors.New("auth: expiration is missing")

var isoLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// ParseExpiration normalizes an access_expiration value to epoch seconds. It
// accepts a JSON number (seconds or milliseconds), a numeric string, or an
// ISO-8601 timestamp string.
func ParseExpiration(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errNoExpiration
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("auth: decode expiration: %w", err)
		}
		return parseExpirationString(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("auth: decode expiration: %w", err)
	}
	f, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("auth: parse expiration %q: %w", n, err)
	}
	return epochSeconds(f), nil
}

func parseExpirationString(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errNoExpiration
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return epochSeconds(f), nil
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, fmt.Errorf("auth: unrecognized expiration %q", s)
}

func epochSeconds(f float64) int64 {
	if f > millisThreshold {
		return int64(f / 1000)
	}
	return int64(f)
}

// expirationFromJWT reads the exp claim without verifying the signature; the
// backend that issued the token is the one that verifies it.
func expirationFromJWT(token string) (int64, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0, fmt.Errorf("auth: parse access token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return 0, fmt.Errorf("auth: read exp claim: %w", err)
	}
	if exp == nil {
		return 0, errNoExpiration
	}
	return exp.Unix(), nil
}

func credentialFromGrant(g Grant) (domain.Credential, error) {
	token := strings.TrimSpace(g.Access)
	if token == "" {
		return domain.Credential{}, errors.New("auth: access token is empty")
	}
	exp, err := ParseExpiration(g.Expiration)
	if errors.Is(err, errNoExpiration) {
		exp, err = expirationFromJWT(token)
	}
	if err != nil {
		return domain.Credential{}, err
	}
	return domain.Credential{Token: token, ExpiresAt: exp}, nil
}
