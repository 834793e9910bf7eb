package execserver

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const tokenPrefix = "tth_"

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
	ErrInvalidToken  = errors.New("invalid token format")
)

// Token is an API token issued by the backend operator
type Token struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// TokenValidator accepts or rejects a bearer token
type TokenValidator interface {
	Validate(token string) (*Token, error)
}

// TokenStore persists issued tokens in SQLite
type TokenStore struct {
	db *sql.DB
}

// NewTokenStore opens tokens.db in dataDir, creating it when missing
func NewTokenStore(dataDir string) (*TokenStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "tokens.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &TokenStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *TokenStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS tokens (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		last_used_at DATETIME,
		expires_at DATETIME
	);
	`)
	return err
}

// Close closes the database connection
func (s *TokenStore) Close() error {
	return s.db.Close()
}

// Create issues a token. A zero ttl never expires.
func (s *TokenStore) Create(name string, ttl time.Duration) (*Token, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("token name is required")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	now := time.Now().UTC()
	token := &Token{
		ID:        tokenPrefix + hex.EncodeToString(raw),
		Name:      name,
		CreatedAt: now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		token.ExpiresAt = &expires
	}

	_, err := s.db.Exec(
		`INSERT INTO tokens (id, name, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		token.ID, token.Name, token.CreatedAt, token.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert token: %w", err)
	}
	return token, nil
}

// Validate implements TokenValidator and records the use
func (s *TokenStore) Validate(id string) (*Token, error) {
	if !strings.HasPrefix(id, tokenPrefix) {
		return nil, ErrInvalidToken
	}

	token, err := scanToken(s.db.QueryRow(
		`SELECT id, name, created_at, last_used_at, expires_at FROM tokens WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query token: %w", err)
	}
	if token.ExpiresAt != nil && time.Now().After(*token.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	_, _ = s.db.Exec(`UPDATE tokens SET last_used_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return token, nil
}

// List returns every token, newest first
func (s *TokenStore) List() ([]*Token, error) {
	rows, err := s.db.Query(
		`SELECT id, name, created_at, last_used_at, expires_at FROM tokens ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []*Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// Revoke deletes a token
func (s *TokenStore) Revoke(id string) error {
	result, err := s.db.Exec(`DELETE FROM tokens WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*Token, error) {
	var token Token
	var lastUsedAt, expiresAt sql.NullTime
	if err := row.Scan(&token.ID, &token.Name, &token.CreatedAt, &lastUsedAt, &expiresAt); err != nil {
		return nil, err
	}
	if lastUsedAt.Valid {
		token.LastUsedAt = &lastUsedAt.Time
	}
	if expiresAt.Valid {
		token.ExpiresAt = &expiresAt.Time
	}
	return &token, nil
}

// MaskToken shortens a token for display
func MaskToken(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:12] + "..." + id[len(id)-4:]
}
