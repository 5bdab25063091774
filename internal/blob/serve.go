package blob

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
)

var (
	errBadRange    = errors.New("invalid range format")
	errRangeBounds = errors.New("range not satisfiable")
)

type byteRange struct {
	start, end int64
}

func (r byteRange) length() int64 {
	return r.end - r.start + 1
}

// parseRange handles a single "bytes=" range. Only the first range of a
// multi-range request is honored. A nil result means "whole object".
func parseRange(header string, size int64) (*byteRange, error) {
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, errBadRange
	}
	if first, _, multi := strings.Cut(spec, ","); multi {
		spec = strings.TrimSpace(first)
	}
	from, to, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, errBadRange
	}

	var r byteRange
	if from == "" {
		n, err := strconv.ParseInt(to, 10, 64)
		if err != nil || n <= 0 {
			return nil, errBadRange
		}
		r = byteRange{start: max(size-n, 0), end: size - 1}
	} else {
		start, err := strconv.ParseInt(from, 10, 64)
		if err != nil || start < 0 {
			return nil, errBadRange
		}
		r = byteRange{start: start, end: size - 1}
		if to != "" {
			if r.end, err = strconv.ParseInt(to, 10, 64); err != nil {
				return nil, errBadRange
			}
		}
	}

	if r.start > r.end || r.start >= size {
		return nil, errRangeBounds
	}
	r.end = min(r.end, size-1)
	return &r, nil
}

// ServeObject writes obj to w honoring Range. When filename is set the
// response is an attachment with that name.
func ServeObject(w http.ResponseWriter, r *http.Request, obj Object, size int64, key, filename string) error {
	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentType)
	if filename != "" {
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	}

	rng, err := parseRange(r.Header.Get("Range"), size)
	if errors.Is(err, errRangeBounds) {
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	}
	if rng == nil {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return nil
		}
		_, err := io.Copy(w, obj)
		return err
	}

	if _, err := obj.Seek(rng.start, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}
	h.Set("Content-Length", strconv.FormatInt(rng.length(), 10))
	h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.start, rng.end, size))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return nil
	}
	_, err = io.CopyN(w, obj, rng.length())
	return err
}

// Handler serves signed LocalStore URLs. Mount it with the prefix
// stripped so the request path is the key.
func Handler(store *LocalStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		key, err := CleanKey(strings.TrimPrefix(r.URL.Path, "/"))
		if err != nil {
			http.Error(w, "invalid key", http.StatusBadRequest)
			return
		}
		if err := store.signer.Verify(key, r.URL.Query()); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}

		obj, size, err := store.Open(r.Context(), key)
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "blob not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to open blob", "key", key, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		defer obj.Close()

		if err := ServeObject(w, r, obj, size, key, r.URL.Query().Get("filename")); err != nil {
			logger.Warn("blob transfer interrupted", "key", key, "error", err)
		}
	})
}
