// Package userbackend defines the credentials contract (spec.md §4.2) and a
// flat-file CSV implementation, the only backend the original system ships.
package userbackend

import (
	"fmt"

	"github.com/alertr/alertrd/internal/model"
)

// UserBackend authenticates a (username, password) pair and reports which
// node type that user is allowed to register as. Consulted exactly once per
// session, during the authentication handshake step.
type UserBackend interface {
	// Authenticate returns the allowed node type for username/password, or
	// an error if the credentials are invalid or unknown.
	Authenticate(username, password string) (model.NodeType, error)
}

// ErrInvalidCredentials is returned by Authenticate on any auth failure —
// unknown user or wrong password are deliberately indistinguishable to
// callers, to avoid leaking which usernames exist.
var ErrInvalidCredentials = fmt.Errorf("userbackend: invalid credentials")
