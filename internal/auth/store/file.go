package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/smallbiznis/claudeauth/internal/auth/domain"
)

const FileBackendName = "file"

// FileBackend keeps a single user's token in a local JSON file. It is the
// durable fallback when the database cannot be reached.
type FileBackend struct {
	mu     sync.Mutex
	path   string
	cipher domain.Cipher
}

func NewFileBackend(path string, cipher domain.Cipher) *FileBackend {
	return &FileBackend{path: path, cipher: cipher}
}

func (f *FileBackend) Name() string { return FileBackendName }

func (f *FileBackend) Path() string { return f.path }

func (f *FileBackend) Get(_ context.Context, userID string) (*domain.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sealed, err := f.read()
	if err != nil {
		return nil, err
	}
	if sealed.UserID != userID {
		return nil, domain.ErrTokenNotFound
	}
	return sealed.open(f.cipher)
}

// Put replaces the file contents. Whichever user wrote last owns the file.
func (f *FileBackend) Put(_ context.Context, token *domain.Token) error {
	if err := token.Validate(); err != nil {
		return err
	}
	sealed, err := seal(f.cipher, token)
	if err != nil {
		return err
	}
	payload, err := json.MarshalIndent(sealed, "", "  ")
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(payload)
}

func (f *FileBackend) Delete(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sealed, err := f.read()
	if err != nil {
		if errors.Is(err, domain.ErrTokenNotFound) {
			return nil
		}
		return err
	}
	if sealed.UserID != userID {
		return nil
	}
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}

func (f *FileBackend) read() (*sealedToken, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrTokenNotFound
		}
		return nil, fmt.Errorf("%w: read token file: %v", domain.ErrBackendUnavailable, err)
	}
	var sealed sealedToken
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return nil, fmt.Errorf("%w: token file is not valid json", domain.ErrDecryption)
	}
	return &sealed, nil
}

func (f *FileBackend) write(payload []byte) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: create token dir: %v", domain.ErrBackendUnavailable, err)
	}

	tmp, err := os.CreateTemp(dir, ".claude_tokens-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", domain.ErrBackendUnavailable, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: write token file: %v", domain.ErrBackendUnavailable, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: sync token file: %v", domain.ErrBackendUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: close token file: %v", domain.ErrBackendUnavailable, err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		cleanup()
		return fmt.Errorf("%w: rename token file: %v", domain.ErrBackendUnavailable, err)
	}
	return nil
}
