// Package delivery resolves rendered outputs to download URLs and packages
// them as redirects, byte streams, JSON listings or zip archives.
package delivery

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/heimdex/heimdex-autoclip/internal/blob"
	"github.com/heimdex/heimdex-autoclip/internal/session"
)

const resolveConcurrency = 4

// ErrNothingResolvable is returned when none of the requested outputs
// could be resolved.
var ErrNothingResolvable = errors.New("no requested output is available")

// ErrNothingReadable is returned by WriteZip when no item could be opened.
// Nothing has been written to the destination in that case.
var ErrNothingReadable = errors.New("no requested output could be read")

// URLSigner signs keys held by the media worker.
type URLSigner interface {
	DownloadURL(ctx context.Context, sessionID, key string, ttl time.Duration) (string, error)
}

// Item is one resolved output.
type Item struct {
	Index    int    `json:"index"`
	Filename string `json:"filename"`
	URL      string `json:"url"`

	key   string
	local bool
}

type Packager struct {
	store      blob.Store
	signer     URLSigner
	ttl        time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

type Option func(*Packager)

func WithHTTPClient(hc *http.Client) Option {
	return func(p *Packager) { p.httpClient = hc }
}

// NewPackager builds a Packager. signer may be nil when no worker is
// configured.
func NewPackager(store blob.Store, signer URLSigner, ttl time.Duration, logger *slog.Logger, opts ...Option) *Packager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	p := &Packager{
		store:      store,
		signer:     signer,
		ttl:        ttl,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Resolve signs the requested outputs in parallel. An empty indexes list
// means every output. Unresolvable entries are dropped; the call fails
// only when nothing resolves.
func (p *Packager) Resolve(ctx context.Context, s *session.Session, indexes []int) ([]Item, error) {
	outputs := selectOutputs(s, indexes)
	if len(outputs) == 0 {
		return nil, ErrNothingResolvable
	}

	items := make([]*Item, len(outputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveConcurrency)
	for i, out := range outputs {
		g.Go(func() error {
			item, err := p.resolveOne(gctx, s, out)
			if err != nil {
				p.logger.Warn("output unavailable",
					"session_id", s.ID,
					"highlight_index", out.HighlightIndex,
					"error", err,
				)
				return nil
			}
			items[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var resolved []Item
	for _, it := range items {
		if it != nil {
			resolved = append(resolved, *it)
		}
	}
	if len(resolved) == 0 {
		return nil, ErrNothingResolvable
	}
	return resolved, nil
}

func (p *Packager) resolveOne(ctx context.Context, s *session.Session, out session.Output) (*Item, error) {
	item := &Item{
		Index:    out.HighlightIndex,
		Filename: SafeFilename(out.Filename, fmt.Sprintf("clip_%d.mp4", out.HighlightIndex+1)),
		key:      out.StorageKey,
	}

	if out.StorageKey != "" && p.store != nil {
		u, err := p.store.SignedURL(ctx, out.StorageKey, p.ttl)
		if err == nil {
			item.URL = u
			item.local = true
			return item, nil
		}
		if !errors.Is(err, blob.ErrNotFound) {
			return nil, err
		}
	}
	if out.StorageKey != "" && p.signer != nil && s.WorkerSessionID != "" {
		u, err := p.signer.DownloadURL(ctx, s.WorkerSessionID, out.StorageKey, p.ttl)
		if err == nil {
			item.URL = u
			return item, nil
		}
		p.logger.Debug("worker could not sign output", "key", out.StorageKey, "error", err)
	}
	if out.PublicURL != "" {
		item.URL = out.PublicURL
		return item, nil
	}
	return nil, fmt.Errorf("output %d has no resolvable location", out.HighlightIndex)
}

// Redirect sends the client to the signed URL.
func (p *Packager) Redirect(w http.ResponseWriter, r *http.Request, item Item) {
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, item.URL, http.StatusFound)
}

// Stream proxies the output bytes with an attachment filename. Local
// blobs are served directly with Range support.
func (p *Packager) Stream(w http.ResponseWriter, r *http.Request, item Item) error {
	if item.local {
		obj, size, err := p.store.Open(r.Context(), item.key)
		if err == nil {
			defer obj.Close()
			return blob.ServeObject(w, r, obj, size, item.key, item.Filename)
		}
		p.logger.Warn("local output vanished, fetching by url", "key", item.key, "error", err)
	}

	body, contentType, size, err := p.fetch(r.Context(), item.URL)
	if err != nil {
		return err
	}
	defer body.Close()

	h := w.Header()
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	h.Set("Content-Disposition", ContentDisposition(item.Filename))
	if size >= 0 {
		h.Set("Content-Length", fmt.Sprint(size))
	}
	w.WriteHeader(http.StatusOK)
	_, err = io.Copy(w, body)
	return err
}

// WriteZip streams a zip archive of items to w, renaming colliding
// filenames. Items that cannot be read are skipped. Nothing is written
// until the first item opens. It returns the number of entries written.
func (p *Packager) WriteZip(ctx context.Context, w io.Writer, items []Item) (int, error) {
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.Filename
	}
	names = UniqueNames(names)

	var zw *zip.Writer
	written := 0
	for i, it := range items {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		body, err := p.open(ctx, it)
		if err != nil {
			p.logger.Warn("skipping unreadable output in archive", "index", it.Index, "error", err)
			continue
		}
		if zw == nil {
			zw = zip.NewWriter(w)
		}
		entry, err := zw.CreateHeader(&zip.FileHeader{
			Name:     names[i],
			Method:   zip.Store,
			Modified: time.Now(),
		})
		if err != nil {
			body.Close()
			return written, fmt.Errorf("create zip entry: %w", err)
		}
		_, err = io.Copy(entry, body)
		body.Close()
		if err != nil {
			return written, fmt.Errorf("write zip entry %s: %w", names[i], err)
		}
		written++
	}
	if zw == nil {
		return 0, ErrNothingReadable
	}
	if err := zw.Close(); err != nil {
		return written, fmt.Errorf("finish zip: %w", err)
	}
	return written, nil
}

func (p *Packager) open(ctx context.Context, it Item) (io.ReadCloser, error) {
	if it.local {
		obj, _, err := p.store.Open(ctx, it.key)
		if err == nil {
			return obj, nil
		}
	}
	body, _, _, err := p.fetch(ctx, it.URL)
	return body, err
}

func (p *Packager) fetch(ctx context.Context, url string) (io.ReadCloser, string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", 0, fmt.Errorf("create download request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", 0, fmt.Errorf("download output: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", 0, fmt.Errorf("download output: status %d", resp.StatusCode)
	}
	return resp.Body, resp.Header.Get("Content-Type"), resp.ContentLength, nil
}

func selectOutputs(s *session.Session, indexes []int) []session.Output {
	if len(indexes) == 0 {
		return s.Outputs
	}
	byIndex := make(map[int]session.Output, len(s.Outputs))
	for _, o := range s.Outputs {
		if _, ok := byIndex[o.HighlightIndex]; !ok {
			byIndex[o.HighlightIndex] = o
		}
	}
	seen := make(map[int]bool, len(indexes))
	var out []session.Output
	for _, i := range indexes {
		if seen[i] {
			continue
		}
		seen[i] = true
		if o, ok := byIndex[i]; ok {
			out = append(out, o)
		}
	}
	return out
}
