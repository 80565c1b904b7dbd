package credstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/felixgeelhaar/portalsync/internal/errors"
)

const (
	fileVersion      = 1
	pbkdf2Iterations = 100000
	keyLength        = 32
	saltLength       = 16
)

type fileEntry struct {
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type fileContents struct {
	Version   int                  `json:"version"`
	Encrypted bool                 `json:"encrypted"`
	Salt      string               `json:"salt,omitempty"`
	Entries   map[string]fileEntry `json:"entries"`
}

// FileStore persists credentials in a single JSON file. When a passphrase
// is configured every value is sealed with AES-GCM under a PBKDF2-derived
// key; the salt is stored alongside the entries.
//
// Writes go to a temporary file that is renamed over the target, so the
// group is replaced atomically.
type FileStore struct {
	mu         sync.Mutex
	path       string
	passphrase string
	now        func() time.Time
}

// NewFileStore creates a store backed by path. An empty passphrase stores
// values unencrypted, relying on 0600 file permissions.
func NewFileStore(path, passphrase string) *FileStore {
	return &FileStore{
		path:       path,
		passphrase: passphrase,
		now:        time.Now,
	}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads and decrypts the credential group.
func (s *FileStore) Load(ctx context.Context) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Credentials{}, nil
	}
	if err != nil {
		return Credentials{}, errors.Wrap(errors.KindUnknown, errors.ErrCodeStoreRead, "failed to read credentials", err)
	}

	var contents fileContents
	if err := json.Unmarshal(data, &contents); err != nil {
		return Credentials{}, s.corrupt(err)
	}
	if contents.Version != fileVersion {
		return Credentials{}, s.corrupt(fmt.Errorf("unsupported version %d", contents.Version))
	}

	var key []byte
	if contents.Encrypted {
		if s.passphrase == "" {
			return Credentials{}, s.corrupt(fmt.Errorf("credentials are encrypted but no passphrase is configured"))
		}
		salt, err := base64.StdEncoding.DecodeString(contents.Salt)
		if err != nil {
			return Credentials{}, s.corrupt(err)
		}
		key = deriveKey(s.passphrase, salt)
	}

	values := make(map[string]string, len(contents.Entries))
	for name, entry := range contents.Entries {
		if key == nil {
			values[name] = entry.Value
			continue
		}
		plain, err := decrypt(key, entry.Value)
		if err != nil {
			return Credentials{}, s.corrupt(fmt.Errorf("decrypt %s: %w", name, err))
		}
		values[name] = plain
	}

	return fromEntries(values), nil
}

// Save encrypts and writes the whole group.
func (s *FileStore) Save(ctx context.Context, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	contents := fileContents{
		Version: fileVersion,
		Entries: make(map[string]fileEntry, 3),
	}

	var key []byte
	if s.passphrase != "" {
		salt := make([]byte, saltLength)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return s.writeFailed(err)
		}
		contents.Encrypted = true
		contents.Salt = base64.StdEncoding.EncodeToString(salt)
		key = deriveKey(s.passphrase, salt)
	}

	now := s.now()
	for name, value := range creds.entries() {
		if value == "" {
			continue
		}
		if key != nil {
			sealed, err := encrypt(key, value)
			if err != nil {
				return s.writeFailed(err)
			}
			value = sealed
		}
		contents.Entries[name] = fileEntry{Value: value, UpdatedAt: now}
	}

	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return s.writeFailed(err)
	}
	return s.writeAtomic(data)
}

// Clear removes the backing file.
func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return s.writeFailed(err)
	}
	return nil
}

func (s *FileStore) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return s.writeFailed(err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return s.writeFailed(err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op after a successful rename

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return s.writeFailed(err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return s.writeFailed(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return s.writeFailed(err)
	}
	if err := tmp.Close(); err != nil {
		return s.writeFailed(err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return s.writeFailed(err)
	}
	return nil
}

func (s *FileStore) corrupt(cause error) error {
	return errors.Wrap(errors.KindUnknown, errors.ErrCodeStoreCorrupt, "credential file is corrupted", cause).
		WithSuggestion(fmt.Sprintf("Remove %s and sign in again", s.path))
}

func (s *FileStore) writeFailed(cause error) error {
	return errors.Wrap(errors.KindUnknown, errors.ErrCodeStoreWrite, "failed to write credentials", cause)
}

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keyLength, sha256.New)
}

// encrypt seals plaintext with AES-GCM, prefixing the nonce
func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
