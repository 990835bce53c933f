package core

import "time"

// Credential is the metadata half of a stored credential. The secret blob is
// encrypted at rest by an external credential service; the core only checks
// existence and expiry before mounting.
type Credential struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Type           string     `json:"type"`
	Provider       string     `json:"provider,omitempty"`
	OwnerID        string     `json:"ownerId"`
	Tags           []string   `json:"tags,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	LastAccessedAt *time.Time `json:"lastAccessedAt,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the credential's expiry has passed at now.
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}
