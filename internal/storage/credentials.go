package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jclee-lab/blacklist-sub001/internal/core"
)

// pbkdf2Iterations must stay at 100000: ciphertexts written by earlier
// deployments were derived with this exact parameter set and must remain
// decryptable.
const (
	pbkdf2Iterations = 100000
	keyLength        = 32
)

// ErrNoMasterKey means the credential store cannot operate because the
// process-wide master secret is missing.
var ErrNoMasterKey = errors.New("storage: master key not configured")

// credentialCipher encrypts the credential envelope with AES-256-GCM
// under a PBKDF2-derived key. The plaintext password exists only
// transiently in memory.
type credentialCipher struct {
	aead cipher.AEAD
}

func newCredentialCipher(masterKey, salt string) (*credentialCipher, error) {
	if masterKey == "" {
		return nil, ErrNoMasterKey
	}
	if salt == "" {
		salt = "blacklist-credential-salt"
	}

	key := pbkdf2.Key([]byte(masterKey), []byte(salt), pbkdf2Iterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credential cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credential cipher: %w", err)
	}
	return &credentialCipher{aead: aead}, nil
}

// envelope is the JSON payload under encryption.
type envelope struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c *credentialCipher) encrypt(env envelope) (string, error) {
	plain, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *credentialCipher) decrypt(ciphertext string) (envelope, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return envelope{}, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return envelope{}, errors.New("ciphertext too short")
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return envelope{}, fmt.Errorf("decrypt envelope: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

// GetCredentials decrypts and returns one service's account.
func (s *Store) GetCredentials(ctx context.Context, service string) (*core.Credential, error) {
	start := time.Now()
	var row struct {
		Username           string       `db:"username"`
		PasswordCiphertext string       `db:"password_ciphertext"`
		Enabled            bool         `db:"enabled"`
		CollectionInterval int          `db:"collection_interval"`
		LastCollection     sql.NullTime `db:"last_collection"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT username, password_ciphertext, enabled, collection_interval, last_collection
		 FROM credentials WHERE service_name = $1`, service)
	s.observe("get_credentials", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credentials: %w", err)
	}

	env, err := s.creds.decrypt(row.PasswordCiphertext)
	if err != nil {
		return nil, fmt.Errorf("credentials for %s: %w", service, err)
	}

	cred := &core.Credential{
		ServiceName:        service,
		Username:           env.Username,
		Password:           env.Password,
		Enabled:            row.Enabled,
		CollectionInterval: row.CollectionInterval,
	}
	if row.LastCollection.Valid {
		t := row.LastCollection.Time
		cred.LastCollection = &t
	}
	return cred, nil
}

// UpsertCredentials re-encrypts and writes the full account row.
func (s *Store) UpsertCredentials(ctx context.Context, cred core.Credential) error {
	start := time.Now()
	ciphertext, err := s.creds.encrypt(envelope{Username: cred.Username, Password: cred.Password})
	if err != nil {
		return err
	}
	if cred.CollectionInterval <= 0 {
		cred.CollectionInterval = 3600
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (service_name, username, password_ciphertext, enabled, collection_interval)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (service_name) DO UPDATE SET
			username            = EXCLUDED.username,
			password_ciphertext = EXCLUDED.password_ciphertext,
			enabled             = EXCLUDED.enabled,
			collection_interval = EXCLUDED.collection_interval`,
		cred.ServiceName, cred.Username, ciphertext, cred.Enabled, cred.CollectionInterval)
	s.observe("upsert_credentials", start, err)
	if err != nil {
		return fmt.Errorf("upsert credentials: %w", err)
	}
	return nil
}

// UpdateCredentialSettings changes interval and enabled without touching
// the stored ciphertext, so operators never re-supply the password for a
// settings change.
func (s *Store) UpdateCredentialSettings(ctx context.Context, service string, enabled bool, intervalSeconds int) error {
	start := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET enabled = $2, collection_interval = $3 WHERE service_name = $1`,
		service, enabled, intervalSeconds)
	s.observe("update_credential_settings", start, err)
	if err != nil {
		return fmt.Errorf("update credential settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastCollection stamps the most recent run time.
func (s *Store) TouchLastCollection(ctx context.Context, service string, at time.Time) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET last_collection = $2 WHERE service_name = $1`, service, at)
	s.observe("touch_last_collection", start, err)
	if err != nil {
		return fmt.Errorf("touch last collection: %w", err)
	}
	return nil
}
