// Package media saves inbound and outbound attachments into a bounded,
// short-lived local cache.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxBytes = 5 * 1024 * 1024
	DefaultTTL      = 2 * time.Minute
	// InboundSubdir holds attachments received from chat providers.
	InboundSubdir = "inbound"

	sniffBytes     = 16 * 1024
	tempSuffix     = ".tmp"
	defaultTimeout = 60 * time.Second
)

var (
	ErrTooLarge    = errors.New("media exceeds size limit")
	ErrFetchFailed = errors.New("media fetch failed")
	ErrNotAFile    = errors.New("media path is not a file")
)

// Saved describes one file written into the cache.
type Saved struct {
	ID          string
	Path        string
	Size        int64
	ContentType string
}

// Options tunes a Store. Zero values select defaults.
type Options struct {
	MaxBytes   int64
	TTL        time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Store owns one media directory. Files are named <uuid><ext>.
type Store struct {
	dir      string
	maxBytes int64
	ttl      time.Duration
	client   *http.Client
	log      *slog.Logger
	now      func() time.Time
}

// NewStore returns a store rooted at dir.
func NewStore(dir string, opts Options) *Store {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Store{
		dir:      dir,
		maxBytes: opts.MaxBytes,
		ttl:      opts.TTL,
		client:   opts.HTTPClient,
		log:      opts.Logger.With("component", "media.store"),
		now:      time.Now,
	}
}

// Dir returns the cache root.
func (s *Store) Dir() string {
	return s.dir
}

// MaxBytes returns the per-file size cap.
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// Save copies an http(s) URL or local file into the cache. headers are sent with
// remote requests. Expired files are removed first.
func (s *Store) Save(ctx context.Context, source string, headers http.Header, subdir string) (Saved, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return Saved{}, fmt.Errorf("%w: empty source", ErrFetchFailed)
	}

	dir, err := s.ensureDir(subdir)
	if err != nil {
		return Saved{}, err
	}

	if _, err := s.CleanOld(s.ttl); err != nil {
		s.log.Debug("Media cleanup failed", "error", err)
	}

	if LooksLikeURL(source) {
		return s.saveRemote(ctx, source, headers, dir)
	}

	return s.saveLocal(strings.TrimPrefix(source, "file://"), dir)
}

// SaveBuffer writes an in-memory attachment. An empty subdir selects InboundSubdir.
func (s *Store) SaveBuffer(data []byte, contentType string, subdir string) (Saved, error) {
	if int64(len(data)) > s.maxBytes {
		return Saved{}, fmt.Errorf("%w: %d bytes > %d", ErrTooLarge, len(data), s.maxBytes)
	}
	if strings.TrimSpace(subdir) == "" {
		subdir = InboundSubdir
	}

	dir, err := s.ensureDir(subdir)
	if err != nil {
		return Saved{}, err
	}

	id := uuid.NewString()
	mimeType := DetectMime(data, contentType, "")
	dest := filepath.Join(dir, id+ExtensionForMime(mimeType, ""))

	tmp := filepath.Join(dir, id+tempSuffix)
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		_ = os.Remove(tmp)
		return Saved{}, fmt.Errorf("write media: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return Saved{}, fmt.Errorf("finalize media: %w", err)
	}

	return Saved{ID: id, Path: dest, Size: int64(len(data)), ContentType: mimeType}, nil
}

// CleanOld removes cached files last modified more than ttl ago and returns how
// many were removed. Directories are kept.
func (s *Store) CleanOld(ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}

	cutoff := s.now().Add(-ttl)
	removed := 0

	err := filepath.WalkDir(s.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if entry.IsDir() {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})

	return removed, err
}

func (s *Store) saveRemote(ctx context.Context, source string, headers http.Header, dir string) (Saved, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return Saved{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Saved{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Saved{}, fmt.Errorf("%w: HTTP %d downloading media", ErrFetchFailed, resp.StatusCode)
	}
	if resp.ContentLength > s.maxBytes {
		return Saved{}, fmt.Errorf("%w: %d bytes > %d", ErrTooLarge, resp.ContentLength, s.maxBytes)
	}

	id := uuid.NewString()
	tmp := filepath.Join(dir, id+tempSuffix)
	size, prefix, err := s.copyBounded(tmp, resp.Body)
	if err != nil {
		return Saved{}, err
	}

	sourcePath := ""
	if parsed, err := url.Parse(source); err == nil {
		sourcePath = parsed.Path
	}

	mimeType := DetectMime(prefix, resp.Header.Get("Content-Type"), sourcePath)
	dest := filepath.Join(dir, id+ExtensionForMime(mimeType, filepath.Ext(sourcePath)))
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return Saved{}, fmt.Errorf("finalize media: %w", err)
	}

	return Saved{ID: id, Path: dest, Size: size, ContentType: mimeType}, nil
}

func (s *Store) saveLocal(source string, dir string) (Saved, error) {
	info, err := os.Stat(source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Saved{}, fmt.Errorf("%w: %s does not exist", ErrNotAFile, source)
		}
		return Saved{}, fmt.Errorf("stat media: %w", err)
	}
	if !info.Mode().IsRegular() {
		return Saved{}, fmt.Errorf("%w: %s", ErrNotAFile, source)
	}
	if info.Size() > s.maxBytes {
		return Saved{}, fmt.Errorf("%w: %d bytes > %d", ErrTooLarge, info.Size(), s.maxBytes)
	}

	file, err := os.Open(source)
	if err != nil {
		return Saved{}, fmt.Errorf("open media: %w", err)
	}
	defer file.Close()

	id := uuid.NewString()
	tmp := filepath.Join(dir, id+tempSuffix)
	size, prefix, err := s.copyBounded(tmp, file)
	if err != nil {
		return Saved{}, err
	}

	mimeType := DetectMime(prefix, "", source)
	dest := filepath.Join(dir, id+ExtensionForMime(mimeType, filepath.Ext(source)))
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return Saved{}, fmt.Errorf("finalize media: %w", err)
	}

	return Saved{ID: id, Path: dest, Size: size, ContentType: mimeType}, nil
}

// copyBounded streams src into dest, keeping the first sniffBytes for type
// detection. dest is removed on any failure, including exceeding the cap.
func (s *Store) copyBounded(dest string, src io.Reader) (int64, []byte, error) {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, nil, fmt.Errorf("create media temp file: %w", err)
	}

	sniff := &prefixWriter{limit: sniffBytes}
	written, copyErr := io.Copy(io.MultiWriter(out, sniff), io.LimitReader(src, s.maxBytes+1))
	closeErr := out.Close()

	switch {
	case copyErr != nil:
		_ = os.Remove(dest)
		return 0, nil, fmt.Errorf("%w: %v", ErrFetchFailed, copyErr)
	case written > s.maxBytes:
		_ = os.Remove(dest)
		return 0, nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, s.maxBytes)
	case closeErr != nil:
		_ = os.Remove(dest)
		return 0, nil, fmt.Errorf("close media temp file: %w", closeErr)
	}

	return written, sniff.buf, nil
}

func (s *Store) ensureDir(subdir string) (string, error) {
	dir := s.dir
	if subdir = strings.TrimSpace(subdir); subdir != "" {
		dir = filepath.Join(s.dir, filepath.Clean(string(filepath.Separator)+subdir))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create media directory: %w", err)
	}
	return dir, nil
}

// LooksLikeURL reports an http or https source.
func LooksLikeURL(source string) bool {
	lower := strings.ToLower(strings.TrimSpace(source))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

type prefixWriter struct {
	buf   []byte
	limit int
}

func (w *prefixWriter) Write(p []byte) (int, error) {
	if room := w.limit - len(w.buf); room > 0 {
		w.buf = append(w.buf, p[:min(room, len(p))]...)
	}
	return len(p), nil
}
