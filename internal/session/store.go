// Package session remembers backend logins between runs. The backend only
// accepts Basic auth, so the password is kept, sealed with NaCl secretbox
// under a key derived from the configured session secret.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/glebarez/sqlite"
	"github.com/vesaa/plantwatch/internal/gateway"
	"github.com/vesaa/plantwatch/internal/logger"
	"github.com/vesaa/plantwatch/internal/models"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when no session is stored for the lookup.
	ErrNotFound = errors.New("session: not found")
	// ErrUnsealed is returned when a stored password cannot be opened,
	// usually because the session secret changed.
	ErrUnsealed = errors.New("session: stored credentials cannot be unsealed")
)

const (
	nonceSize = 24
	keyInfo   = "plantwatch session v1"
)

// Store persists sessions in SQLite through gorm.
type Store struct {
	db  *gorm.DB
	key [32]byte
}

// Open opens the database at path and migrates the session table.
func Open(driver, path, secret string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		dialector = sqlite.Open(path)
	default:
		return nil, fmt.Errorf("unsupported db_driver %q (use 'sqlite')", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s, err := New(db, secret)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("driver", driver).Str("path", path).Msg("session store opened")
	return s, nil
}

// New wraps an open gorm handle.
func New(db *gorm.DB, secret string) (*Store, error) {
	if secret == "" {
		return nil, fmt.Errorf("session secret must not be empty")
	}
	if err := db.AutoMigrate(&models.Session{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	s := &Store{db: db}
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	if _, err := io.ReadFull(kdf, s.key[:]); err != nil {
		return nil, fmt.Errorf("deriving session key: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save creates or replaces the session for user.Username.
func (s *Store) Save(user models.User, password string) error {
	sealed, err := s.seal(password)
	if err != nil {
		return err
	}

	var row models.Session
	err = s.db.Where("username = ?", user.Username).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = models.Session{Username: user.Username, UserID: user.ID, Email: user.Email, Sealed: sealed}
		if err := s.db.Create(&row).Error; err != nil {
			return fmt.Errorf("saving session: %w", err)
		}
	case err != nil:
		return fmt.Errorf("looking up session: %w", err)
	default:
		err := s.db.Model(&row).Updates(map[string]any{
			"user_id": user.ID,
			"email":   user.Email,
			"sealed":  sealed,
		}).Error
		if err != nil {
			return fmt.Errorf("updating session: %w", err)
		}
	}
	return nil
}

// Load returns the gateway session stored for username.
func (s *Store) Load(username string) (gateway.Session, error) {
	var row models.Session
	if err := s.db.Where("username = ?", username).First(&row).Error; err != nil {
		return gateway.Session{}, notFound(err)
	}
	return s.open(row)
}

// Latest returns the most recently saved session. The CLI uses it when no
// user is named.
func (s *Store) Latest() (gateway.Session, error) {
	var row models.Session
	if err := s.db.Order("updated_at desc").First(&row).Error; err != nil {
		return gateway.Session{}, notFound(err)
	}
	return s.open(row)
}

// Delete forgets username. Deleting an unknown user is not an error.
func (s *Store) Delete(username string) error {
	err := s.db.Unscoped().Where("username = ?", username).Delete(&models.Session{}).Error
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func (s *Store) open(row models.Session) (gateway.Session, error) {
	if len(row.Sealed) < nonceSize {
		return gateway.Session{}, ErrUnsealed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], row.Sealed[:nonceSize])
	password, ok := secretbox.Open(nil, row.Sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return gateway.Session{}, ErrUnsealed
	}
	return gateway.Session{Username: row.Username, Password: string(password), UserID: row.UserID}, nil
}

func (s *Store) seal(password string) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], []byte(password), &nonce, &s.key), nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("loading session: %w", err)
}
