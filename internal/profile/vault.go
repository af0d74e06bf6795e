// Package profile persists the local user profile encrypted at rest, sealed
// with a key derived from the login passphrase.
package profile

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Profile is the logged-in user's record. Created at login, replaced on
// re-login, removed at logout.
type Profile struct {
	Phone       string    `json:"phone"`
	DisplayName string    `json:"displayName"`
	Avatar      string    `json:"avatar,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

const (
	currentVersion = 1
	argonTime      = 1
	argonMemory    = 64 * 1024
	argonThreads   = 4
	argonKeyLength = 32
	nonceSize      = chacha20poly1305.NonceSizeX
)

var (
	ErrLocked      = errors.New("profile vault is locked")
	ErrNoProfile   = errors.New("no profile stored")
	ErrInvalidPass = errors.New("invalid passphrase")
	ErrCorruptFile = errors.New("corrupted profile vault")
)

type vaultFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Vault is a sealed single-record store backed by one file. The file format
// is versioned so later schema changes can migrate non-destructively.
type Vault struct {
	path string

	mu        sync.RWMutex
	salt      []byte
	masterKey []byte
	profile   *Profile
}

// NewVault constructs a vault backed by the provided file path.
func NewVault(path string) *Vault {
	return &Vault{path: path}
}

// Path returns the backing file path, primarily for logging.
func (v *Vault) Path() string {
	return v.path
}

// Unlock derives the master key and loads any stored profile. A missing
// file is not an error: the vault unlocks empty and the first Store call
// creates it.
func (v *Vault) Unlock(passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("passphrase required: %w", ErrInvalidPass)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	raw, err := os.ReadFile(v.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read profile vault: %w", err)
		}
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("generate salt: %w", err)
		}
		v.salt = salt
		v.masterKey = deriveMasterKey(passphrase, salt)
		v.profile = nil
		return nil
	}

	var file vaultFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decode profile vault: %w", ErrCorruptFile)
	}
	if file.Version != currentVersion {
		return fmt.Errorf("unsupported profile vault version %d", file.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return fmt.Errorf("decode salt: %w", ErrCorruptFile)
	}
	nonce, err := base64.StdEncoding.DecodeString(file.Nonce)
	if err != nil {
		return fmt.Errorf("decode nonce: %w", ErrCorruptFile)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		return fmt.Errorf("decode ciphertext: %w", ErrCorruptFile)
	}

	master := deriveMasterKey(passphrase, salt)
	profile, err := openProfile(master, nonce, ciphertext)
	if err != nil {
		zeroBytes(master)
		return err
	}

	zeroBytes(v.masterKey)
	v.masterKey = master
	v.salt = salt
	v.profile = profile
	return nil
}

// Store replaces any prior profile and persists the sealed file.
func (v *Vault) Store(p Profile) error {
	if p.Phone == "" {
		return errors.New("profile phone is required")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.masterKey) == 0 {
		return ErrLocked
	}
	v.profile = &p
	return v.persist()
}

// Load returns the stored profile.
func (v *Vault) Load() (Profile, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if len(v.masterKey) == 0 {
		return Profile{}, ErrLocked
	}
	if v.profile == nil {
		return Profile{}, ErrNoProfile
	}
	return *v.profile, nil
}

// Erase removes the stored profile and the backing file. The next unlock
// starts with an empty vault.
func (v *Vault) Erase() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.profile = nil
	if err := os.Remove(v.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove profile vault: %w", err)
	}
	return nil
}

// Lock forgets the master key.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	zeroBytes(v.masterKey)
	v.masterKey = nil
	v.profile = nil
}

func (v *Vault) persist() error {
	serialized, err := json.Marshal(v.profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	aead, err := chacha20poly1305.NewX(v.masterKey)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, serialized, nil)
	zeroBytes(serialized)

	payload := vaultFile{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(v.salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode profile vault: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(v.path), 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create vault directory: %w", err)
	}
	return os.WriteFile(v.path, out, 0o600)
}

func openProfile(masterKey, nonce, ciphertext []byte) (*Profile, error) {
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("invalid nonce size: %w", ErrCorruptFile)
	}
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt profile: %w", ErrInvalidPass)
	}
	defer zeroBytes(plaintext)

	var p Profile
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, fmt.Errorf("unmarshal profile: %w", ErrCorruptFile)
	}
	return &p, nil
}

func deriveMasterKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLength)
}

func zeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
