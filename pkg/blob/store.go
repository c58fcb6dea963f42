// Package blob stores response payloads on disk, addressed by their cache key.
//
// Payloads live at <root>/responses/<first two hex chars>/<key>.json inside a
// small JSON envelope carrying a BLAKE3 checksum, so that a truncated or
// tampered file is reported as corrupted instead of being served. Writes go to
// a temporary file in the destination directory and are renamed into place; a
// concurrent reader sees either nothing or the complete file.
package blob

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"lukechampine.com/blake3"

	"github.com/pario-ai/llmcache/pkg/keys"
)

const (
	dirName    = "responses"
	tempPrefix = ".tmp-"
	fileExt    = ".json"
)

// envelope is the on-disk representation of a payload.
type envelope struct {
	Key       string          `json:"key"`
	Checksum  string          `json:"checksum"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Store is a content-addressed payload store rooted at a directory.
type Store struct {
	dir string
	now func() time.Time
}

// New creates the responses directory under root if needed.
func New(root string) (*Store, error) {
	dir := filepath.Join(root, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the responses directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file path for key.
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, key[:2], key+fileExt)
}

// Write stores payload under key, replacing any previous blob atomically.
// The payload is stored in compact JSON form; the returned size is the
// length of that compact form.
func (s *Store) Write(key string, payload json.RawMessage) (int64, error) {
	if !keys.IsKey(key) {
		return 0, &StorageError{Op: "write", Key: key, Cause: CauseWriteFailed, Err: errors.New("malformed key")}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return 0, &StorageError{Op: "write", Key: key, Cause: CauseWriteFailed, Err: err}
	}
	data, err := encodeEnvelope(envelope{
		Key:       key,
		Checksum:  checksum(compact.Bytes()),
		CreatedAt: s.now().UTC(),
		Payload:   compact.Bytes(),
	})
	if err != nil {
		return 0, &StorageError{Op: "write", Key: key, Cause: CauseWriteFailed, Err: err}
	}

	path := s.Path(key)
	if err := writeAtomic(path, key, data); err != nil {
		return 0, &StorageError{Op: "write", Key: key, Cause: writeCause(err), Err: err}
	}
	return int64(compact.Len()), nil
}

// Read returns the payload stored under key.
func (s *Store) Read(key string) (json.RawMessage, error) {
	if !keys.IsKey(key) {
		return nil, &StorageError{Op: "read", Key: key, Cause: CauseNotFound}
	}
	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &StorageError{Op: "read", Key: key, Cause: CauseNotFound}
		}
		return nil, &StorageError{Op: "read", Key: key, Cause: CauseCorrupted, Err: err}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &StorageError{Op: "read", Key: key, Cause: CauseCorrupted, Err: err}
	}
	switch {
	case env.Key != key:
		return nil, &StorageError{Op: "read", Key: key, Cause: CauseCorrupted, Err: fmt.Errorf("envelope key %q", env.Key)}
	case len(env.Payload) == 0:
		return nil, &StorageError{Op: "read", Key: key, Cause: CauseCorrupted, Err: errors.New("empty payload")}
	case env.Checksum != checksum(env.Payload):
		return nil, &StorageError{Op: "read", Key: key, Cause: CauseCorrupted, Err: errors.New("checksum mismatch")}
	}
	return env.Payload, nil
}

// Delete removes the blob for key. Deleting a missing blob is not an error.
func (s *Store) Delete(key string) error {
	if !keys.IsKey(key) {
		return nil
	}
	if err := os.Remove(s.Path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

// Exists reports whether a blob file is present for key.
func (s *Store) Exists(key string) bool {
	if !keys.IsKey(key) {
		return false
	}
	_, err := os.Stat(s.Path(key))
	return err == nil
}

// Object describes a blob file found by Walk.
type Object struct {
	Key     string
	Path    string
	Size    int64
	ModTime time.Time
	Temp    bool
}

// Walk calls fn for every blob and leftover temporary file in the store.
func (s *Store) Walk(fn func(Object) error) error {
	shards, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read blob dir: %w", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		shardDir := filepath.Join(s.dir, shard.Name())
		files, err := os.ReadDir(shardDir)
		if err != nil {
			return fmt.Errorf("read blob shard %s: %w", shard.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			name := f.Name()
			obj := Object{
				Path:    filepath.Join(shardDir, name),
				Size:    info.Size(),
				ModTime: info.ModTime(),
			}
			switch {
			case strings.HasPrefix(name, tempPrefix):
				obj.Temp = true
			case strings.HasSuffix(name, fileExt) && keys.IsKey(strings.TrimSuffix(name, fileExt)):
				obj.Key = strings.TrimSuffix(name, fileExt)
			default:
				continue
			}
			if err := fn(obj); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeAtomic(path, key string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+key+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// encodeEnvelope writes the payload bytes verbatim. json.Marshal would
// HTML-escape <, > and & inside the payload and break the checksum.
func encodeEnvelope(env envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCause(err error) Cause {
	if errors.Is(err, syscall.ENOSPC) {
		return CauseDiskFull
	}
	return CauseWriteFailed
}

func checksum(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
