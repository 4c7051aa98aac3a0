// Package vault defines the credential store interface consumed by the
// parameter resolver. Implementations may read from environment variables,
// an encrypted file, or an external secrets backend.
package vault

import "context"

// Credential is a named secret with the fields automation handlers need to
// authenticate against a gateway, browser target, or desktop application.
// A full-string "{{ credential.<name> }}" reference resolves to the
// Credential itself so handlers can read individual fields.
type Credential struct {
	Name     string            `json:"name"`
	Username string            `json:"username"`
	Password string            `json:"password"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// String renders the credential without its secret material. Template
// stringification goes through this, so a credential reference embedded in a
// larger string never leaks the password.
func (c *Credential) String() string {
	if c == nil {
		return "<nil credential>"
	}
	return c.Name + ":" + c.Username
}

// Store retrieves credentials by name.
type Store interface {
	// Get returns the credential and true when found, or nil and false when
	// the name is unknown. An error is returned only for backend failures
	// (permissions, connectivity), never for a plain miss.
	Get(ctx context.Context, name string) (*Credential, bool, error)
}
