package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PostgresStore persists cursors and credentials in Postgres. Access tokens
// are encrypted prior to insertion and decrypted after retrieval, so a
// simple SQL injection attack is insufficient to retrieve usable tokens:
// the encryption key is derived from a secret which never lives inside the
// database. We cannot use bcrypt/scrypt as we need the plaintext to make
// authenticated requests.
type PostgresStore struct {
	db     *sqlx.DB
	key256 []byte
}

// NewPostgresStore connects and creates the tables if they do not already
// exist. secret is the out-of-band key material used to en/decrypt access
// tokens.
func NewPostgresStore(postgresURI, secret string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open postgres: %w", err)
	}
	return newPostgresStore(db, secret)
}

func newPostgresStore(db *sqlx.DB, secret string) (*PostgresStore, error) {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS fedclient_cursors (
		device_id TEXT NOT NULL PRIMARY KEY,
		since TEXT NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL
	);
	CREATE TABLE IF NOT EXISTS fedclient_credentials (
		user_id TEXT NOT NULL PRIMARY KEY,
		device_id TEXT NOT NULL,
		token_encrypted TEXT NOT NULL,
		last_seen TIMESTAMP WITH TIME ZONE NOT NULL
	);`)

	hash := sha256.New()
	hash.Write([]byte(secret))
	return &PostgresStore{
		db:     db,
		key256: hash.Sum(nil),
	}, nil
}

func (s *PostgresStore) SaveCursor(deviceID, since string) error {
	_, err := s.db.Exec(
		`INSERT INTO fedclient_cursors(device_id, since, updated_at) VALUES($1, $2, $3)
		 ON CONFLICT (device_id) DO UPDATE SET since = $2, updated_at = $3`,
		deviceID, since, time.Now(),
	)
	return err
}

func (s *PostgresStore) LoadCursor(deviceID string) (string, error) {
	var since string
	err := s.db.Get(&since, `SELECT since FROM fedclient_cursors WHERE device_id = $1`, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return since, err
}

func (s *PostgresStore) SaveCredential(c Credential) error {
	encrypted, err := s.encrypt(c.AccessToken)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO fedclient_credentials(user_id, device_id, token_encrypted, last_seen) VALUES($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE SET device_id = $2, token_encrypted = $3, last_seen = $4`,
		c.UserID, c.DeviceID, encrypted, time.Now(),
	)
	return err
}

func (s *PostgresStore) LoadCredential(userID string) (*Credential, error) {
	var row struct {
		DeviceID       string    `db:"device_id"`
		TokenEncrypted string    `db:"token_encrypted"`
		LastSeen       time.Time `db:"last_seen"`
	}
	err := s.db.Get(&row, `SELECT device_id, token_encrypted, last_seen FROM fedclient_credentials WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	token, err := s.decrypt(row.TokenEncrypted)
	if err != nil {
		return nil, err
	}
	return &Credential{
		UserID:      userID,
		DeviceID:    row.DeviceID,
		AccessToken: token,
		LastSeen:    row.LastSeen,
	}, nil
}

func (s *PostgresStore) encrypt(token string) (string, error) {
	block, err := aes.NewCipher(s.key256)
	if err != nil {
		return "", fmt.Errorf("storage encrypt: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("storage encrypt: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("storage encrypt: %w", err)
	}
	return hex.EncodeToString(nonce) + " " + hex.EncodeToString(gcm.Seal(nil, nonce, []byte(token), nil)), nil
}

func (s *PostgresStore) decrypt(nonceAndEncToken string) (string, error) {
	segs := strings.Split(nonceAndEncToken, " ")
	if len(segs) != 2 {
		return "", fmt.Errorf("decrypt: unexpected token format")
	}
	nonceBytes, err := hex.DecodeString(segs[0])
	if err != nil {
		return "", fmt.Errorf("decrypt nonce: failed to decode hex: %w", err)
	}
	ciphertext, err := hex.DecodeString(segs[1])
	if err != nil {
		return "", fmt.Errorf("decrypt token: failed to decode hex: %w", err)
	}
	block, err := aes.NewCipher(s.key256)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	token, err := gcm.Open(nil, nonceBytes, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(token), nil
}
