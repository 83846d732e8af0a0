package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 64)...)

func listFiles(t *testing.T, dir string) []string {
	t.Helper()

	var files []string
	err := filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestSaveRemoteSniffsContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Basic abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(pngBytes)
	}))
	defer server.Close()

	store := NewStore(t.TempDir(), Options{})
	headers := http.Header{"Authorization": []string{"Basic abc"}}

	saved, err := store.Save(context.Background(), server.URL+"/photo", headers, "")
	require.NoError(t, err)

	require.Equal(t, "image/png", saved.ContentType)
	require.Equal(t, int64(len(pngBytes)), saved.Size)
	require.Equal(t, filepath.Join(store.Dir(), saved.ID+".png"), saved.Path)

	content, err := os.ReadFile(saved.Path)
	require.NoError(t, err)
	require.Equal(t, pngBytes, content)
	require.Len(t, listFiles(t, store.Dir()), 1)
}

func TestSaveRemoteFallsBackToHeaderAndExtension(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".bin") {
			w.Header().Set("Content-Type", "application/octet-stream")
		} else {
			w.Header().Set("Content-Type", "application/pdf; qs=0.001")
		}
		_, _ = w.Write([]byte{0x00, 0x01, 0x02, 0x03})
	}))
	defer server.Close()

	store := NewStore(t.TempDir(), Options{})

	saved, err := store.Save(context.Background(), server.URL+"/doc", nil, "")
	require.NoError(t, err)
	require.Equal(t, "application/pdf", saved.ContentType)
	require.True(t, strings.HasSuffix(saved.Path, ".pdf"), saved.Path)

	saved, err = store.Save(context.Background(), server.URL+"/blob.bin", nil, "")
	require.NoError(t, err)
	require.Equal(t, genericMime, saved.ContentType)
	require.True(t, strings.HasSuffix(saved.Path, ".bin"), saved.Path)
}

func TestSaveRemoteOversizeLeavesNoFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		for range 10 {
			_, _ = w.Write([]byte(strings.Repeat("x", 10)))
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer server.Close()

	store := NewStore(t.TempDir(), Options{MaxBytes: 32})

	_, err := store.Save(context.Background(), server.URL+"/big", nil, "")
	require.ErrorIs(t, err, ErrTooLarge)
	require.Empty(t, listFiles(t, store.Dir()))
}

func TestSaveRemoteDeclaredOversize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("y", 100)))
	}))
	defer server.Close()

	store := NewStore(t.TempDir(), Options{MaxBytes: 50})

	_, err := store.Save(context.Background(), server.URL, nil, "")
	require.ErrorIs(t, err, ErrTooLarge)
	require.Empty(t, listFiles(t, store.Dir()))
}

func TestSaveRemoteHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	store := NewStore(t.TempDir(), Options{})

	_, err := store.Save(context.Background(), server.URL+"/missing", nil, "")
	require.ErrorIs(t, err, ErrFetchFailed)
	require.Empty(t, listFiles(t, store.Dir()))
}

func TestSaveLocal(t *testing.T) {
	src := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello world"), 0o600))

	store := NewStore(t.TempDir(), Options{})

	saved, err := store.Save(context.Background(), src, nil, "outbound")
	require.NoError(t, err)
	require.Equal(t, "text/plain", saved.ContentType)
	require.Equal(t, int64(11), saved.Size)
	require.Equal(t, filepath.Join(store.Dir(), "outbound", saved.ID+".txt"), saved.Path)

	saved, err = store.Save(context.Background(), "file://"+src, nil, "")
	require.NoError(t, err)
	require.FileExists(t, saved.Path)
}

func TestSaveLocalRejections(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "media"), Options{MaxBytes: 4})

	_, err := store.Save(context.Background(), dir, nil, "")
	require.ErrorIs(t, err, ErrNotAFile)

	_, err = store.Save(context.Background(), filepath.Join(dir, "missing.png"), nil, "")
	require.ErrorIs(t, err, ErrNotAFile)

	big := filepath.Join(dir, "big.txt")
	require.NoError(t, os.WriteFile(big, []byte("too big"), 0o600))
	_, err = store.Save(context.Background(), big, nil, "")
	require.ErrorIs(t, err, ErrTooLarge)

	require.Empty(t, listFiles(t, store.Dir()))
}

func TestSaveRejectsTraversalSubdir(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("a"), 0o600))

	store := NewStore(t.TempDir(), Options{})
	saved, err := store.Save(context.Background(), src, nil, "../../escape")
	require.NoError(t, err)

	rel, err := filepath.Rel(store.Dir(), saved.Path)
	require.NoError(t, err)
	require.False(t, strings.HasPrefix(rel, ".."), rel)
}

func TestSaveBuffer(t *testing.T) {
	store := NewStore(t.TempDir(), Options{MaxBytes: 1024})

	saved, err := store.SaveBuffer(pngBytes, "image/jpeg", "")
	require.NoError(t, err)
	require.Equal(t, "image/png", saved.ContentType)
	require.Equal(t, filepath.Join(store.Dir(), InboundSubdir, saved.ID+".png"), saved.Path)

	_, err = store.SaveBuffer(make([]byte, 2048), "", "")
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestCleanOldRemovesExpiredFiles(t *testing.T) {
	store := NewStore(t.TempDir(), Options{})

	oldFile := filepath.Join(store.Dir(), InboundSubdir, "old.png")
	newFile := filepath.Join(store.Dir(), "new.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(oldFile), 0o700))
	require.NoError(t, os.WriteFile(oldFile, []byte("o"), 0o600))
	require.NoError(t, os.WriteFile(newFile, []byte("n"), 0o600))

	past := time.Now().Add(-10 * time.Minute)
	require.NoError(t, os.Chtimes(oldFile, past, past))

	removed, err := store.CleanOld(DefaultTTL)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.NoFileExists(t, oldFile)
	require.FileExists(t, newFile)
	require.DirExists(t, filepath.Dir(oldFile))
}

func TestCleanOldMissingDir(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "absent"), Options{})
	removed, err := store.CleanOld(0)
	if err != nil || removed != 0 {
		t.Fatalf("CleanOld = (%d, %v), want (0, nil)", removed, err)
	}
}

func TestDetectMimeAndKind(t *testing.T) {
	if got := DetectMime(nil, "", "photo.PNG"); got != "image/png" {
		t.Fatalf("DetectMime by extension = %q, want image/png", got)
	}
	if got := DetectMime(nil, "", ""); got != genericMime {
		t.Fatalf("DetectMime nothing = %q, want %q", got, genericMime)
	}
	if got := Kind("image/png"); got != "image" {
		t.Fatalf("Kind = %q, want image", got)
	}
	if got := Kind("application/pdf"); got != "document" {
		t.Fatalf("Kind = %q, want document", got)
	}
	if !LooksLikeURL("HTTPS://example.com/a.png") || LooksLikeURL("/tmp/a.png") {
		t.Fatal("LooksLikeURL misclassified source")
	}
}
