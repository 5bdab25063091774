// Package blob is a key-value object store for rendered clips and other
// session artifacts, with time-limited signed download URLs.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound   = errors.New("blob not found")
	ErrInvalidKey = errors.New("invalid blob key")
)

// Object is a readable stored blob.
type Object interface {
	io.ReadSeekCloser
}

// Store is the blob storage contract used by the pipeline.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
	Open(ctx context.Context, key string) (Object, int64, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	SignedURLs(ctx context.Context, keys []string, ttl time.Duration) (map[string]string, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Remove(ctx context.Context, keys []string) error
}

// LocalStore keeps objects on the filesystem under root and signs URLs
// served by Handler.
type LocalStore struct {
	root    string
	baseURL string
	signer  *Signer
	logger  *slog.Logger
}

// NewLocalStore creates the root directory if needed. baseURL is the
// public prefix the Handler is mounted at, e.g. http://host:8790/blobs.
func NewLocalStore(root, baseURL string, signer *Signer, logger *slog.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &LocalStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		logger:  logger,
	}, nil
}

// CleanKey validates a key and returns its canonical form.
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrInvalidKey
	}
	return clean, nil
}

func (s *LocalStore) pathFor(key string) (string, error) {
	clean, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Put writes atomically via a temp file in the target directory.
func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	p, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, contextReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write blob %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("failed to commit blob %s: %w", key, err)
	}
	s.logger.Debug("blob stored", "key", key, "bytes", n, "content_type", contentType)
	return nil
}

// PutFile moves or copies a local file into the store.
func (s *LocalStore) PutFile(ctx context.Context, key, src, contentType string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer f.Close()
	return s.Put(ctx, key, f, contentType)
}

func (s *LocalStore) Open(_ context.Context, key string) (Object, int64, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open blob: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat blob: %w", err)
	}
	if st.IsDir() {
		f.Close()
		return nil, 0, ErrNotFound
	}
	return f, st.Size(), nil
}

// Path returns the filesystem path of key when it exists.
func (s *LocalStore) Path(key string) (string, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	return p, nil
}

func (s *LocalStore) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	clean, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	if _, err := s.Path(clean); err != nil {
		return "", err
	}
	expires := time.Now().Add(ttl)
	return s.baseURL + "/" + clean + "?" + s.signer.Query(clean, expires).Encode(), nil
}

// SignedURLs signs every existing key. Missing keys are left out of the map.
func (s *LocalStore) SignedURLs(ctx context.Context, keys []string, ttl time.Duration) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		u, err := s.SignedURL(ctx, k, ttl)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[k] = u
	}
	return out, nil
}

func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Remove deletes keys, ignoring ones that do not exist.
func (s *LocalStore) Remove(_ context.Context, keys []string) error {
	var errs []error
	for _, k := range keys {
		p, err := s.pathFor(k)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
