// Package vault keeps platform credentials encrypted at rest.
//
// The record is JSON, encrypted with a key derived from a locally generated
// master key file. Writes go to a temp file that is renamed over the target,
// so readers only ever see a complete ciphertext.
package vault

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cwygoda/uplink/internal/domain"
)

const (
	CredentialsFile = "credentials.enc"
	KeyFile         = "key.dat"
	masterKeySize   = 32
)

var (
	ErrEncryption = errors.New("vault: encryption failed")
	ErrIO         = errors.New("vault: io failed")
)

// Vault persists a single domain.Credentials record.
type Vault struct {
	dir string
	log zerolog.Logger

	mu sync.RWMutex
}

// New returns a vault rooted at dir, creating the directory and the master
// key on first use.
func New(dir string, log zerolog.Logger) (*Vault, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrIO, dir, err)
	}
	v := &Vault{dir: dir, log: log.With().Str("component", "vault").Logger()}
	if _, err := v.masterKey(); err != nil {
		return nil, err
	}
	return v, nil
}

// Path returns the credential file location.
func (v *Vault) Path() string { return filepath.Join(v.dir, CredentialsFile) }

func (v *Vault) keyPath() string { return filepath.Join(v.dir, KeyFile) }

// Exists reports whether a credential file is present.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.Path())
	return err == nil
}

// Save replaces the stored record.
func (v *Vault) Save(ctx context.Context, creds domain.Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	plain, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("%w: encode record", ErrEncryption)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	key, err := v.masterKey()
	if err != nil {
		return err
	}
	blob, err := seal(key, plain)
	if err != nil {
		return err
	}
	if err := writeAtomic(v.Path(), blob, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	v.log.Info().Msg("credentials saved")
	return nil
}

// Load returns the stored record. A missing file yields an empty record; an
// unreadable or undecryptable one is logged and also yields an empty record.
func (v *Vault) Load(ctx context.Context) domain.Credentials {
	v.mu.RLock()
	defer v.mu.RUnlock()

	blob, err := os.ReadFile(v.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Credentials{}
	}
	if err != nil {
		v.log.Error().Err(err).Msg("read credentials")
		return domain.Credentials{}
	}
	key, err := v.masterKey()
	if err != nil {
		v.log.Error().Err(err).Msg("load master key")
		return domain.Credentials{}
	}
	plain, format, err := open(key, blob)
	if err != nil {
		v.log.Error().Str("file", v.Path()).Msg("credentials could not be decrypted, using empty record")
		return domain.Credentials{}
	}
	var creds domain.Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		v.log.Error().Str("file", v.Path()).Msg("credentials could not be decoded, using empty record")
		return domain.Credentials{}
	}
	if format == formatLegacy {
		v.log.Warn().Msg("credentials use the legacy format and will be upgraded on next save")
	}
	return creds
}

// Clear removes the stored record. Removing an absent file is not an error.
func (v *Vault) Clear(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := os.Remove(v.Path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	v.log.Info().Msg("credentials cleared")
	return nil
}

// masterKey reads the key file, creating it exclusively if absent.
func (v *Vault) masterKey() ([]byte, error) {
	key, err := os.ReadFile(v.keyPath())
	if errors.Is(err, fs.ErrNotExist) {
		key, err = createKey(v.keyPath())
		if errors.Is(err, fs.ErrExist) {
			// Lost a creation race with another process.
			key, err = os.ReadFile(v.keyPath())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: master key: %v", ErrIO, err)
	}
	if len(key) != masterKeySize {
		return nil, fmt.Errorf("%w: master key has %d bytes, want %d", ErrEncryption, len(key), masterKeySize)
	}
	return key, nil
}

func createKey(path string) ([]byte, error) {
	key := make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return key, nil
}

// writeAtomic writes data next to path and renames it into place.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := bytes.NewReader(data).WriteTo(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Chmod(perm); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
