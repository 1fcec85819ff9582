package userbackend

import (
	"encoding/csv"
	"fmt"
	"os"
	"sync"

	"github.com/alertr/alertrd/internal/model"
)

// CSVBackend loads username/password/node-type triples from a flat CSV file
// at construction time. Format, one row per user: username,password,nodeType
// where nodeType is one of sensor|alert|manager.
//
// Passwords are compared verbatim, matching the original system's CSV
// backend; operators are expected to protect the file with filesystem
// permissions, not hashing (spec.md treats this backend as an external,
// out-of-scope collaborator behind the UserBackend contract).
type CSVBackend struct {
	mu    sync.RWMutex
	users map[string]credential
}

type credential struct {
	password string
	nodeType model.NodeType
}

// LoadCSVBackend reads path and returns a ready CSVBackend.
func LoadCSVBackend(path string) (*CSVBackend, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("userbackend: open %q: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 3
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("userbackend: parse %q: %w", path, err)
	}

	users := make(map[string]credential, len(records))
	for i, rec := range records {
		nodeType := model.NodeType(rec[2])
		switch nodeType {
		case model.NodeTypeSensor, model.NodeTypeAlert, model.NodeTypeManager:
		default:
			return nil, fmt.Errorf("userbackend: %q line %d: unknown node type %q", path, i+1, rec[2])
		}
		users[rec[0]] = credential{password: rec[1], nodeType: nodeType}
	}

	return &CSVBackend{users: users}, nil
}

func (b *CSVBackend) Authenticate(username, password string) (model.NodeType, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cred, ok := b.users[username]
	if !ok || cred.password != password {
		return "", ErrInvalidCredentials
	}
	return cred.nodeType, nil
}
