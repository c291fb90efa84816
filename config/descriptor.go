package config

import (
	null "gopkg.in/guregu/null.v3"

	"github.com/perimetric/periscope/errext"
)

// AuthKind selects how a connection authenticates.
type AuthKind string

// The supported authentication kinds.
const (
	AuthPassword   AuthKind = "password"
	AuthPrivateKey AuthKind = "privateKey"
)

// Descriptor identifies one SSH target. Exactly one of Password and KeyPath
// is populated, matching AuthKind. Descriptors are never mutated by the
// session core; they are created and updated only through the store.
type Descriptor struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Username string   `json:"username"`
	AuthKind AuthKind `json:"authKind"`

	Password string `json:"password,omitempty"`
	KeyPath  string `json:"keyPath,omitempty"`
	// Passphrase unlocks an encrypted private key. Optional.
	Passphrase string `json:"passphrase,omitempty"`
}

// Validate checks the descriptor invariants and returns a validation error
// naming the first offending field.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return errext.NewValidation("name", "must not be empty")
	}
	if d.Host == "" {
		return errext.NewValidation("host", "must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		return errext.NewValidation("port", "must be between 1 and 65535, got %d", d.Port)
	}
	if d.Username == "" {
		return errext.NewValidation("username", "must not be empty")
	}
	switch d.AuthKind {
	case AuthPassword:
		if d.Password == "" {
			return errext.NewValidation("password", "must not be empty for password auth")
		}
		if d.KeyPath != "" {
			return errext.NewValidation("keyPath", "must be empty for password auth")
		}
	case AuthPrivateKey:
		if d.KeyPath == "" {
			return errext.NewValidation("keyPath", "must not be empty for private key auth")
		}
		if d.Password != "" {
			return errext.NewValidation("password", "must be empty for private key auth")
		}
	default:
		return errext.NewValidation("authKind", "must be %q or %q, got %q", AuthPassword, AuthPrivateKey, d.AuthKind)
	}
	return nil
}

// Redacted returns a copy safe for the HTTP boundary: secret fields are
// replaced with the sentinel.
func (d Descriptor) Redacted() Descriptor {
	if d.Password != "" {
		d.Password = Sentinel
	}
	if d.Passphrase != "" {
		d.Passphrase = Sentinel
	}
	return d
}

// UpdateParams carries a partial descriptor update. Only valid fields are
// applied; a secret field holding the sentinel is ignored so a redacted
// descriptor can be round-tripped through the API without wiping secrets.
type UpdateParams struct {
	Name       null.String `json:"name"`
	Host       null.String `json:"host"`
	Port       null.Int    `json:"port"`
	Username   null.String `json:"username"`
	AuthKind   null.String `json:"authKind"`
	Password   null.String `json:"password"`
	KeyPath    null.String `json:"keyPath"`
	Passphrase null.String `json:"passphrase"`
}

// Apply copies the valid fields of p onto d and revalidates the result.
func (p UpdateParams) Apply(d Descriptor) (Descriptor, error) {
	if p.Name.Valid {
		d.Name = p.Name.String
	}
	if p.Host.Valid {
		d.Host = p.Host.String
	}
	if p.Port.Valid {
		d.Port = int(p.Port.Int64)
	}
	if p.Username.Valid {
		d.Username = p.Username.String
	}
	if p.AuthKind.Valid {
		d.AuthKind = AuthKind(p.AuthKind.String)
	}
	if p.Password.Valid && p.Password.String != Sentinel {
		d.Password = p.Password.String
	}
	if p.KeyPath.Valid {
		d.KeyPath = p.KeyPath.String
	}
	if p.Passphrase.Valid && p.Passphrase.String != Sentinel {
		d.Passphrase = p.Passphrase.String
	}

	// Switching auth kinds drops the secret of the other kind.
	if p.AuthKind.Valid {
		switch d.AuthKind {
		case AuthPassword:
			d.KeyPath, d.Passphrase = "", ""
		case AuthPrivateKey:
			d.Password = ""
		}
	}

	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}
