package auth

import (
	"sync"

	"github.com/google/uuid"

	"github.com/canonical/vzdispatch/dispatcher/peers"
)

// PasswordChecker verifies user credentials.
type PasswordChecker interface {
	CheckPassword(user string, password string) error
}

// SessionStore keeps the local user sessions peers can bind to.
type SessionStore struct {
	passwords PasswordChecker

	mu       sync.Mutex
	sessions map[string]*peers.Session
}

// NewSessionStore returns an empty store checking passwords against passwords.
func NewSessionStore(passwords PasswordChecker) *SessionStore {
	return &SessionStore{
		passwords: passwords,
		sessions:  map[string]*peers.Session{},
	}
}

// Lookup returns the session with the given id.
func (s *SessionStore) Lookup(id string) (*peers.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]

	return sess, ok
}

// Login checks the password and opens a new session.
func (s *SessionStore) Login(user string, password string) (*peers.Session, error) {
	err := s.passwords.CheckPassword(user, password)
	if err != nil {
		return nil, err
	}

	return s.open(user), nil
}

// LoginTrusted reuses a session of user or opens a new one. The caller has already verified the identity.
func (s *SessionStore) LoginTrusted(user string) (*peers.Session, error) {
	s.mu.Lock()
	for _, sess := range s.sessions {
		if sess.User == user {
			s.mu.Unlock()
			return sess, nil
		}
	}

	s.mu.Unlock()

	return s.open(user), nil
}

// Drop forgets a session.
func (s *SessionStore) Drop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
}

func (s *SessionStore) open(user string) *peers.Session {
	sess := &peers.Session{ID: uuid.NewString(), User: user}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	return sess
}
