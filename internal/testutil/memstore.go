// Package testutil provides in-memory stores for service and handler tests.
package testutil

import (
	"context"
	"sync"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/traffic-tacos/profile-api/internal/models"
	"github.com/traffic-tacos/profile-api/internal/store/credential"
)

// CredentialStore mimics the MySQL store including its unique indexes
type CredentialStore struct {
	mu     sync.Mutex
	users  []models.User
	nextID int64

	// Err, when set, is returned by every call
	Err error
	// SkipExistsCheck makes ExistsByUsernameOrEmail always report false,
	// simulating a concurrent insert slipping past the pre-check.
	SkipExistsCheck bool
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{nextID: 1}
}

func (s *CredentialStore) ExistsByUsernameOrEmail(_ context.Context, username, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	if s.SkipExistsCheck {
		return false, nil
	}
	return s.conflicts(username, email), nil
}

func (s *CredentialStore) Create(_ context.Context, user *models.User) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	if s.conflicts(user.Username, user.Email) {
		return 0, credential.ErrDuplicate
	}
	user.ID = s.nextID
	s.nextID++
	s.users = append(s.users, *user)
	return user.ID, nil
}

func (s *CredentialStore) GetByUsername(_ context.Context, username string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, u := range s.users {
		if u.Username == username {
			found := u
			return &found, nil
		}
	}
	return nil, credential.ErrNotFound
}

func (s *CredentialStore) Ping(context.Context) error {
	return s.Err
}

// Count returns the number of stored users
func (s *CredentialStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

func (s *CredentialStore) conflicts(username, email string) bool {
	for _, u := range s.users {
		if u.Username == username || u.Email == email {
			return true
		}
	}
	return false
}

// ProfileStore keeps documents in a map keyed by user id
type ProfileStore struct {
	mu   sync.Mutex
	docs map[int64]models.Profile

	Err error
}

func NewProfileStore() *ProfileStore {
	return &ProfileStore{docs: make(map[int64]models.Profile)}
}

func (s *ProfileStore) Get(_ context.Context, userID int64) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	doc, ok := s.docs[userID]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

func (s *ProfileStore) Upsert(_ context.Context, profile *models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.docs[profile.UserID] = *profile
	return nil
}

func (s *ProfileStore) Ping(context.Context) error {
	return s.Err
}

// NewRedis starts a miniredis server and a client for it. Both are closed by the caller.
func NewRedis() (*miniredis.Miniredis, *redis.Client, error) {
	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	return mr, client, nil
}

// QuietLogger discards everything below panic level
func QuietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}
