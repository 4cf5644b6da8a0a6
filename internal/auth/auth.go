// Package auth implements the credential store behind MainDriver.AuthUser:
// user records keyed by name, passwords checked in constant time via bcrypt.
package auth

import (
	"sync"

	"golang.org/x/crypto/bcrypt"

	ftpserver "github.com/clockwork-project/cogwheelftp"
)

// Record is one configured account.
type Record struct {
	Username     string
	PasswordHash []byte // bcrypt hash; empty means the anonymous account
	HomeDir      string // host path this user is rooted at
	Disabled     bool
}

// Store is a fixed, in-memory set of accounts loaded at startup from
// configuration (internal/config). It implements the lookup+verify half of
// §4.1's credential & path resolver; internal/vfs implements the path half.
type Store struct {
	mu      sync.RWMutex
	byUser  map[string]Record
	allowAnon bool
}

// NewStore builds a Store from a list of records.
func NewStore(records []Record, allowAnonymous bool) *Store {
	byUser := make(map[string]Record, len(records))
	for _, r := range records {
		byUser[r.Username] = r
	}

	return &Store{byUser: byUser, allowAnon: allowAnonymous}
}

// Verify checks a username/password pair, in constant time with respect to
// whether the username exists (a fixed-cost dummy hash is compared when it
// doesn't, so failed lookups and failed passwords take comparable time).
func (s *Store) Verify(username, password string) (Record, error) {
	s.mu.RLock()
	record, ok := s.byUser[username]
	s.mu.RUnlock()

	if !ok {
		if s.allowAnon && username == "anonymous" {
			return Record{Username: "anonymous", HomeDir: "/"}, nil
		}

		bcrypt.CompareHashAndPassword(dummyHash, []byte(password)) //nolint:errcheck

		return Record{}, ftpserver.ErrNoSuchUser
	}

	if record.Disabled {
		return Record{}, ftpserver.ErrUserDisabled
	}

	if len(record.PasswordHash) == 0 {
		return Record{}, ftpserver.ErrBadPassword
	}

	if err := bcrypt.CompareHashAndPassword(record.PasswordHash, []byte(password)); err != nil {
		return Record{}, ftpserver.ErrBadPassword
	}

	return record, nil
}

// HashPassword is used by configuration loading / account provisioning to
// turn a plaintext password into the hash Record.PasswordHash expects.
func HashPassword(plaintext string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
}

// dummyHash is compared against on a lookup miss so the constant-time
// property of bcrypt comparison extends to the "no such user" path too.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost) //nolint:gochecknoglobals
