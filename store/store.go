// Package store persists the planner data set and the engine's claim records
// as JSON objects, in Cloud Storage or on the local filesystem for
// development. All claim mutation goes through Update, the single-key
// compare-and-set primitive.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
)

// ErrNotFound indicates the requested object does not exist.
var ErrNotFound = errors.New("storage: object doesn't exist")

// casAttempts bounds the internal retry loop of Update when concurrent
// writers keep invalidating the read generation.
const casAttempts = 5

// Store reads and writes JSON objects by key. Keys are slash-separated paths;
// every component must pass ValidComponent.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string

	// Serializes local-filesystem updates; Cloud Storage relies on object
	// generations instead.
	localMu sync.Mutex
}

// New creates a store backed by the given bucket, or by localPath when it is
// non-empty (development mode).
func New(client *storage.Client, bucket, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		bucket:    bucket,
		localPath: localPath,
	}
}

// ValidComponent reports whether a user-supplied key component is safe to
// embed in an object path.
func ValidComponent(s string) bool {
	if s == "" || len(s) > 256 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return s != "." && s != ".."
}

// IsNotFound checks if an error indicates a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		(err != nil && strings.Contains(err.Error(), "storage: object doesn't exist"))
}

// ReadJSON reads the object at key into v. Returns ErrNotFound when absent.
func (s *Store) ReadJSON(ctx context.Context, key string, v any) error {
	data, _, err := s.read(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// WriteJSON unconditionally writes v as the object at key.
func (s *Store) WriteJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	if s.localPath != "" {
		s.localMu.Lock()
		defer s.localMu.Unlock()
		return s.writeLocal(key, data)
	}

	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying write operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("write after retries: %w", err)
	}
	return nil
}

// Delete removes the object at key. Deleting a missing object is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s.localPath != "" {
		s.localMu.Lock()
		defer s.localMu.Unlock()
		filePath := filepath.Join(s.localPath, filepath.FromSlash(key))
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying delete operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// Update applies fn to the current value of key under compare-and-set
// semantics. fn receives nil when the object is absent; returning nil bytes
// declines the update and leaves the object unchanged. A write that loses the
// generation race is retried internally with a fresh read, up to casAttempts.
// Returns whether the update was committed.
func (s *Store) Update(ctx context.Context, key string, fn func(cur []byte) ([]byte, error)) (bool, error) {
	if s.localPath != "" {
		return s.updateLocal(key, fn)
	}

	for attempt := range casAttempts {
		cur, gen, err := s.read(ctx, key)
		if err != nil && !IsNotFound(err) {
			return false, err
		}

		next, err := fn(cur)
		if err != nil {
			return false, err
		}
		if next == nil {
			return false, nil
		}

		conds := storage.Conditions{GenerationMatch: gen}
		if gen == 0 {
			conds = storage.Conditions{DoesNotExist: true}
		}
		w := s.client.Bucket(s.bucket).Object(key).If(conds).NewWriter(ctx)
		if _, err := w.Write(next); err != nil {
			if closeErr := w.Close(); closeErr != nil {
				s.logger.Warn("Failed to close writer after error", "error", closeErr)
			}
			return false, fmt.Errorf("write to storage: %w", err)
		}
		if err := w.Close(); err != nil {
			if isPreconditionFailed(err) {
				s.logger.Debug("Update lost generation race, re-reading", "key", key, "attempt", attempt+1)
				continue
			}
			return false, fmt.Errorf("close storage writer: %w", err)
		}
		return true, nil
	}
	return false, fmt.Errorf("update %s: conflict persisted after %d attempts", key, casAttempts)
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 412
}

// read returns the raw object bytes and its generation (0 when absent).
func (s *Store) read(ctx context.Context, key string) ([]byte, int64, error) {
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, filepath.FromSlash(key))
		data, err := os.ReadFile(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, 0, ErrNotFound
			}
			return nil, 0, fmt.Errorf("read from local storage: %w", err)
		}
		return data, 1, nil
	}

	var data []byte
	var gen int64
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			gen = r.Attrs.Generation
			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying read operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		if IsNotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("read after retries: %w", err)
	}
	return data, gen, nil
}

func (s *Store) writeLocal(key string, data []byte) error {
	filePath := filepath.Join(s.localPath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return fmt.Errorf("create local storage directory: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0o600); err != nil {
		return fmt.Errorf("write to local storage: %w", err)
	}
	return nil
}

func (s *Store) updateLocal(key string, fn func(cur []byte) ([]byte, error)) (bool, error) {
	s.localMu.Lock()
	defer s.localMu.Unlock()

	filePath := filepath.Join(s.localPath, filepath.FromSlash(key))
	cur, err := os.ReadFile(filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return false, fmt.Errorf("read from local storage: %w", err)
		}
		cur = nil
	}

	next, err := fn(cur)
	if err != nil {
		return false, err
	}
	if next == nil {
		return false, nil
	}
	if err := s.writeLocal(key, next); err != nil {
		return false, err
	}
	return true, nil
}
