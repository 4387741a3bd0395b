package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/gjson"
)

// FileStore persists credentials as a single JSON document, accepting
// either a legacy single object or an array of objects on read, and
// always writing the array shape. Writes are atomic (temp file + rename)
// and serialized by an in-process lock; os.Rename already gives atomicity
// against concurrent readers.
type FileStore struct {
	path string

	mu sync.Mutex // serializes writers, matches the file-level lock contract

	watcher *fsnotify.Watcher
	changed chan struct{} // closed-then-replaced signal set whenever fsnotify sees an edit
	changedMu sync.Mutex
}

// NewFileStore opens path for reading and writing. The file need not
// exist yet; List returns an empty slice until the first Update.
func NewFileStore(path string) (*FileStore, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("credstore: failed to create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("credstore: failed to ensure directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("credstore: failed to watch directory: %w", err)
	}

	fs := &FileStore{
		path:    path,
		watcher: watcher,
		changed: make(chan struct{}),
	}
	go fs.watchLoop()
	return fs, nil
}

// Changed returns a channel that is closed the next time fsnotify
// reports an event for the credentials file itself (other entries in the
// watched directory, such as the write temp file, are ignored), letting the pool's
// hot-reload loop react immediately instead of waiting for the next poll
// tick. Callers must call Changed again after it fires to get a fresh
// channel.
func (fs *FileStore) Changed() <-chan struct{} {
	fs.changedMu.Lock()
	defer fs.changedMu.Unlock()
	return fs.changed
}

func (fs *FileStore) watchLoop() {
	for event := range fs.watcher.Events {
		if filepath.Clean(event.Name) != filepath.Clean(fs.path) {
			continue
		}
		fs.changedMu.Lock()
		close(fs.changed)
		fs.changed = make(chan struct{})
		fs.changedMu.Unlock()
	}
}

// Close stops the background watcher.
func (fs *FileStore) Close() error {
	return fs.watcher.Close()
}

// List reads and parses the document, accepting a single object or an
// array. File-backed credentials have no soft-delete column; removal
// means removing the record from the document.
func (fs *FileStore) List(_ context.Context) ([]Credential, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.readLocked()
}

func (fs *FileStore) readLocked() ([]Credential, error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("credstore: failed to read %s: %w", fs.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	parsed := gjson.ParseBytes(data)
	var raw []gjson.Result
	if parsed.IsArray() {
		raw = parsed.Array()
	} else if parsed.IsObject() {
		raw = []gjson.Result{parsed}
	} else {
		return nil, fmt.Errorf("credstore: %s is neither a JSON object nor array", fs.path)
	}

	creds := make([]Credential, 0, len(raw))
	for _, r := range raw {
		var c Credential
		if err := json.Unmarshal([]byte(r.Raw), &c); err != nil {
			return nil, fmt.Errorf("credstore: failed to decode credential: %w", err)
		}
		creds = append(creds, c)
	}
	return creds, nil
}

// Update patches one credential's accessToken/expiresAt and optionally
// profileArn/refreshToken, then atomically rewrites the whole document.
func (fs *FileStore) Update(_ context.Context, id string, patch Patch) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	creds, err := fs.readLocked()
	if err != nil {
		return err
	}

	found := false
	for i := range creds {
		if creds[i].ID != id {
			continue
		}
		found = true
		creds[i].AccessToken = patch.AccessToken
		creds[i].ExpiresAt = patch.ExpiresAt
		if patch.ProfileArn != nil {
			creds[i].ProfileArn = *patch.ProfileArn
		}
		if patch.RotatedRefreshToken != nil && *patch.RotatedRefreshToken != "" {
			creds[i].RefreshToken = *patch.RotatedRefreshToken
		}
		break
	}
	if !found {
		return fmt.Errorf("credstore: no credential with id %q", id)
	}

	return fs.writeLocked(creds)
}

func (fs *FileStore) writeLocked(creds []Credential) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("credstore: failed to encode credentials: %w", err)
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("credstore: failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("credstore: failed to rename temp file: %w", err)
	}
	return nil
}

// Fingerprint returns the file's mtime and size, which together change
// iff the file's contents changed since the last observation.
func (fs *FileStore) Fingerprint(_ context.Context) (Fingerprint, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	info, err := os.Stat(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "absent", nil
		}
		return "", fmt.Errorf("credstore: failed to stat %s: %w", fs.path, err)
	}
	return Fingerprint(fmt.Sprintf("%d-%d", info.ModTime().UnixNano(), info.Size())), nil
}
