package auth

import (
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v2"

	"github.com/canonical/vzdispatch/shared/api"
	"github.com/canonical/vzdispatch/shared/logger"
)

// User is an entry of the users file.
type User struct {
	Name           string   `yaml:"name"`
	PasswordHash   string   `yaml:"password"`
	AuthorizedKeys []string `yaml:"authorized_keys"`
}

type usersFile struct {
	Users []User `yaml:"users"`
}

// UserDB is a read-only user database loaded from YAML.
type UserDB struct {
	users map[string]User
}

// NewUserDB returns a database holding users.
func NewUserDB(users ...User) *UserDB {
	db := &UserDB{users: make(map[string]User, len(users))}
	for _, u := range users {
		db.users[u.Name] = u
	}

	return db
}

// LoadUserDB reads the users file at path.
func LoadUserDB(path string) (*UserDB, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Unable to read users file %q: %w", path, err)
	}

	var file usersFile
	err = yaml.Unmarshal(content, &file)
	if err != nil {
		return nil, fmt.Errorf("Unable to parse users file %q: %w", path, err)
	}

	return NewUserDB(file.Users...), nil
}

// HashPassword returns the hash to store in the users file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}

// CheckPassword verifies the password of user.
func (db *UserDB) CheckPassword(user string, password string) error {
	u, ok := db.users[user]
	if !ok || u.PasswordHash == "" {
		return api.ResultErrorf(api.AuthenticationFailed, "Can't authorize user %q", user)
	}

	err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password))
	if err != nil {
		return api.ResultErrorf(api.AuthenticationFailed, "Can't authorize user %q", user)
	}

	return nil
}

// AuthorizedKeys returns the public keys registered for user.
func (db *UserDB) AuthorizedKeys(user string) ([]ssh.PublicKey, error) {
	u, ok := db.users[user]
	if !ok {
		return nil, api.ResultErrorf(api.PublicKeyNotAuthorized, "Unknown user %q", user)
	}

	keys := make([]ssh.PublicKey, 0, len(u.AuthorizedKeys))
	for _, line := range u.AuthorizedKeys {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			logger.Warn("Ignoring invalid authorized key", logger.Ctx{"user": user, "err": err})
			continue
		}

		keys = append(keys, key)
	}

	return keys, nil
}
