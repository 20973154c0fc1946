package auth

import (
	"database/sql"
	"errors"

	"github.com/emberq/emberq/pkg/er"
	h "github.com/emberq/emberq/pkg/hash"
)

// Store authenticates CONNECT username/password pairs against the
// users table. The broker core runs open when no store is configured.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the users table when missing.
func (s *Store) EnsureSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		secret   TEXT NOT NULL
	)`)
	if err != nil {
		return &er.Err{Context: "Auth, Schema", Message: err}
	}
	return nil
}

func (s *Store) Authenticate(username, password string) error {
	var hash string

	err := s.db.QueryRow("SELECT secret FROM users WHERE username = ?", username).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &er.Err{
				Context: "Auth",
				Message: er.ErrUserNotFound,
			}
		}
		return &er.Err{Context: "Auth", Message: err}
	}

	if !h.VerifyPasswd(hash, password) {
		return &er.Err{
			Context: "Auth",
			Message: er.ErrInvalidPassword,
		}
	}

	return nil
}

// AddUser stores a bcrypt hash of the password for the username.
func (s *Store) AddUser(username, password string, cost int) error {
	secret, err := h.HashPasswd(password, cost)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(
		"INSERT OR REPLACE INTO users (username, secret) VALUES (?, ?)",
		username, secret,
	); err != nil {
		return &er.Err{Context: "Auth, AddUser", Message: err}
	}
	return nil
}
