// Package credentials provides encrypted storage for media-source API
// credentials. Credentials are sealed with AES-256-GCM at rest and only
// opened when a dispatch payload is built.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// ErrNotFound is returned when a credentials reference has no stored secret.
var ErrNotFound = errors.New("credentials: not found")

// Decrypter turns a credentials reference into the plaintext secret.
// An empty reference yields nil: the source needs no credentials.
type Decrypter interface {
	Decrypt(ctx context.Context, ref string) (*string, error)
}

// DeriveKey expands a master secret into a 32-byte AES-256 key bound to purpose.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("credentials: empty master secret")
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, []byte("actiond-credentials"), []byte(purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("credentials: derive key: %w", err)
	}
	return key, nil
}

// Cipher seals and opens strings with AES-256-GCM.
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher creates a cipher. key must be exactly 32 bytes for AES-256.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes for AES-256")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{gcm: gcm}, nil
}

// Seal encrypts plaintext; the nonce is prepended and the result base64 encoded.
func (c *Cipher) Seal(plaintext string) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (c *Cipher) Open(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(data) < c.gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, body := data[:c.gcm.NonceSize()], data[c.gcm.NonceSize():]
	plaintext, err := c.gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Vault is a SQL-backed credential store keyed by reference.
type Vault struct {
	db     *sql.DB
	cipher *Cipher
}

// NewVault creates a vault sealing secrets with c.
func NewVault(db *sql.DB, c *Cipher) *Vault {
	return &Vault{db: db, cipher: c}
}

const vaultSchema = `
CREATE TABLE IF NOT EXISTS source_credentials (
	ref TEXT PRIMARY KEY,
	ciphertext TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// Init creates the credentials table if needed.
func (v *Vault) Init(ctx context.Context) error {
	_, err := v.db.ExecContext(ctx, vaultSchema)
	return err
}

// Put stores or replaces the secret for ref.
func (v *Vault) Put(ctx context.Context, ref, secret string) error {
	sealed, err := v.cipher.Seal(secret)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO source_credentials (ref, ciphertext, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (ref) DO UPDATE SET ciphertext = EXCLUDED.ciphertext, updated_at = EXCLUDED.updated_at
	`
	if _, err := v.db.ExecContext(ctx, query, ref, sealed, time.Now().UTC()); err != nil {
		return fmt.Errorf("credentials: store %s: %w", ref, err)
	}
	return nil
}

// Decrypt implements Decrypter.
func (v *Vault) Decrypt(ctx context.Context, ref string) (*string, error) {
	if ref == "" {
		return nil, nil
	}
	var sealed string
	err := v.db.QueryRowContext(ctx, `SELECT ciphertext FROM source_credentials WHERE ref = $1`, ref).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("credentials: load %s: %w", ref, err)
	}
	plain, err := v.cipher.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("credentials: open %s: %w", ref, err)
	}
	return &plain, nil
}
