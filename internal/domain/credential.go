package domain

import "time"

// Credential is the bearer token used to authenticate backend calls.
// ExpiresAt is canonical epoch seconds.
type Credential struct {
	Token     string
	ExpiresAt int64
}

// Valid reports whether the credential can still be used at now.
func (c Credential) Valid(now time.Time) bool {
	return c.Token != "" && now.Unix() < c.ExpiresAt
}
