package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseExpiration(t *testing.T) {
	cases := []struct {
		raw  string
		want int64
	}{
		{`1767268800`, 1767268800},
		{`1767268800.75`, 1767268800},
		{`1767268800000`, 1767268800},
		{`"1767268800"`, 1767268800},
		{`"2026-01-01T12:00:00Z"`, 1767268800},
		{`"2026-01-01T14:00:00+02:00"`, 1767268800},
		{`"2026-01-01T12:00:00.123456Z"`, 1767268800},
		{`"2026-01-01T12:00:00"`, 1767268800},
		{`"2026-01-01 12:00:00"`, 1767268800},
	}
	for _, tc := range cases {
		got, err := ParseExpiration([]byte(tc.raw))
		require.NoError(t, err, "raw=%s", tc.raw)
		require.Equal(t, tc.want, got, "raw=%s", tc.raw)
	}
}

func TestParseExpiration_Missing(t *testing.T) {
	for _, raw := range []string{``, `null`, `""`} {
		_, err := ParseExpiration([]byte(raw))
		require.ErrorIs(t, err, errNoExpiration, "raw=%q", raw)
	}
}

func TestParseExpiration_Invalid(t *testing.T) {
	for _, raw := range []string{`"next tuesday"`, `{}`, `true`} {
		_, err := ParseExpiration([]byte(raw))
		require.Error(t, err, "raw=%s", raw)
		require.False(t, errors.Is(err, errNoExpiration), "raw=%s", raw)
	}
}

func TestCredentialFromGrant_NoExpirationAndOpaqueToken(t *testing.T) {
	_, err := credentialFromGrant(Grant{Access: "opaque-token"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse access token")
}

func TestRefresh_InvalidGrantIsFailure(t *testing.T) {
	r := &fakeRefresher{grant: Grant{Access: "tok", Expiration: []byte(`"garbage"`)}}
	var reasons []error
	c := newTestCoordinator(t, r, nil, WithReauthHandler(func(err error) { reasons = append(reasons, err) }))

	_, err := c.Credential(context.Background())
	require.ErrorIs(t, err, ErrReauthRequired)
	require.Len(t, reasons, 1)
}
