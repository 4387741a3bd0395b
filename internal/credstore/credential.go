// Package credstore holds the persisted Credential shape and the two
// storage backings (file, Postgres) that implement the {list, update,
// fingerprint} capability set the pool polls for hot-reload.
package credstore

import (
	"context"
	"time"
)

// AuthMethod names the refresh dialect a credential uses.
type AuthMethod string

const (
	AuthMethodSocial               AuthMethod = "social"
	AuthMethodEnterpriseDirectory AuthMethod = "enterprise-directory"
)

// Credential is the persisted identity and state for one upstream
// account. Runtime-only fields (consecutiveFailures, disabledUntil,
// refreshInFlight) are owned by the pool, not the store, and are never
// round-tripped through Patch.
type Credential struct {
	ID           string     `json:"id"`
	RefreshToken string     `json:"refreshToken"`
	AccessToken  string     `json:"accessToken,omitempty"`
	ExpiresAt    time.Time  `json:"expiresAt,omitempty"`
	ProfileArn   string     `json:"profileArn,omitempty"`
	AuthMethod   AuthMethod `json:"authMethod"`
	ClientID     string     `json:"clientId,omitempty"`
	ClientSecret string     `json:"clientSecret,omitempty"`
	Priority     int        `json:"priority"`
	Region       string     `json:"region,omitempty"`
	MachineID    string     `json:"machineId,omitempty"`

	UpdatedAt time.Time `json:"-"`
	DeletedAt *time.Time `json:"-"`
}

// Validate checks the invariants spec.md places on a credential record.
func (c *Credential) Validate() error {
	if c.RefreshToken == "" {
		return errInvalid("refreshToken must not be empty")
	}
	if c.AuthMethod == AuthMethodEnterpriseDirectory {
		if c.ClientID == "" || c.ClientSecret == "" {
			return errInvalid("clientId and clientSecret are required for enterprise-directory credentials")
		}
	}
	if c.MachineID != "" && !isLower64Hex(c.MachineID) {
		return errInvalid("machineId must be 64 lowercase hex characters")
	}
	return nil
}

func isLower64Hex(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

type validationError string

func (e validationError) Error() string { return string(e) }

func errInvalid(msg string) error { return validationError(msg) }

// Patch carries the fields a refresh is allowed to write back: accessToken,
// expiresAt, optionally profileArn, and optionally a rotated refreshToken.
type Patch struct {
	AccessToken         string
	ExpiresAt           time.Time
	ProfileArn          *string // nil = leave unchanged
	RotatedRefreshToken *string // nil = leave unchanged
}

// Fingerprint is an opaque value that changes iff the credential set
// changed since it was last observed.
type Fingerprint string

// Store is the capability set the pool depends on: list, update,
// fingerprint. File and Postgres backings both implement it.
type Store interface {
	List(ctx context.Context) ([]Credential, error)
	Update(ctx context.Context, id string, patch Patch) error
	Fingerprint(ctx context.Context) (Fingerprint, error)
}
