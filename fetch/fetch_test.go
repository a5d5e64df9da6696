package fetch

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestDownloadFile(t *testing.T) {
	body := []byte("pretrained weights payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "weights.onnx")
	var last int64
	err := DownloadFile(context.Background(), dest, srv.URL, func(downloaded, total int64) {
		last = downloaded
	})
	if err != nil {
		t.Fatalf("DownloadFile() error = %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("downloaded %q; want %q", got, body)
	}
	if last != int64(len(body)) {
		t.Errorf("final progress = %d; want %d", last, len(body))
	}
}

func TestDownloadFileResumes(t *testing.T) {
	body := []byte("0123456789abcdef")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHdr := r.Header.Get("Range")
		if rangeHdr == "" {
			w.Write(body)
			return
		}
		var start int64
		fmt.Sscanf(rangeHdr, "bytes=%d-", &start)
		w.Header().Set("Content-Range",
			"bytes "+strconv.FormatInt(start, 10)+"-"+strconv.Itoa(len(body)-1)+"/"+strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start:])
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "weights.onnx")
	// Simulate an interrupted download with the first 6 bytes on disk.
	if err := os.WriteFile(dest, body[:6], 0644); err != nil {
		t.Fatalf("seed partial file: %v", err)
	}

	if err := DownloadFile(context.Background(), dest, srv.URL, nil); err != nil {
		t.Fatalf("DownloadFile() error = %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("resumed download = %q; want %q", got, body)
	}
}

func TestDownloadFileBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	err := DownloadFile(context.Background(), filepath.Join(t.TempDir(), "x"), srv.URL, nil)
	if err == nil || !strings.Contains(err.Error(), "bad status") {
		t.Errorf("DownloadFile() error = %v; want bad status", err)
	}
}

func TestArtifactCachesDownloads(t *testing.T) {
	hits := 0
	body := []byte("weights")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write(body)
	}))
	defer srv.Close()

	opts := Options{CacheDir: t.TempDir()}
	src := srv.URL + "/models/net.onnx"

	first, err := Artifact(context.Background(), src, opts)
	if err != nil {
		t.Fatalf("Artifact() error = %v", err)
	}
	if filepath.Base(first) == "" || !strings.HasSuffix(first, "net.onnx") {
		t.Errorf("cached name = %q; want it to keep the base name", first)
	}

	second, err := Artifact(context.Background(), src, opts)
	if err != nil {
		t.Fatalf("Artifact() second error = %v", err)
	}
	if first != second {
		t.Errorf("cache paths differ: %q vs %q", first, second)
	}
	if hits != 1 {
		t.Errorf("server hit %d times; want 1 (second call served from cache)", hits)
	}
}

func shortRetryDelay(t *testing.T) {
	t.Helper()
	prev := DefaultRetryDelay
	DefaultRetryDelay = 10 * time.Millisecond
	t.Cleanup(func() { DefaultRetryDelay = prev })
}

func TestArtifactFailedDownloadLeavesNoArtifact(t *testing.T) {
	shortRetryDelay(t)

	body := []byte("pretrained weights payload")
	healthy := false
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if !healthy {
			http.Error(w, "unavailable", http.StatusInternalServerError)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	cache := t.TempDir()
	src := srv.URL + "/net.onnx"

	if _, err := Artifact(context.Background(), src, Options{CacheDir: cache}); err == nil {
		t.Fatal("Artifact() succeeded against a failing server")
	}

	// Nothing may sit at the final cache path: a later call must not treat
	// the failed transfer as a complete artifact.
	if _, err := os.Stat(filepath.Join(cache, cacheName(src))); !os.IsNotExist(err) {
		t.Fatalf("failed download left an entry at the cache path (stat err = %v)", err)
	}

	healthy = true
	hitsBefore := hits
	got, err := Artifact(context.Background(), src, Options{CacheDir: cache})
	if err != nil {
		t.Fatalf("Artifact() after recovery error = %v", err)
	}
	if hits == hitsBefore {
		t.Error("second Artifact() call never contacted the server")
	}
	data, err := os.ReadFile(got)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.Equal(data, body) {
		t.Errorf("artifact = %q; want full payload %q", data, body)
	}
}

func TestArtifactInterruptedDownloadResumes(t *testing.T) {
	shortRetryDelay(t)

	body := []byte("0123456789abcdefghij")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHdr := r.Header.Get("Range")
		if rangeHdr == "" {
			// Announce the full length but cut the connection after a few
			// bytes to simulate an interrupted transfer.
			conn, buf, err := w.(http.Hijacker).Hijack()
			if err != nil {
				return
			}
			fmt.Fprintf(buf, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n", len(body))
			buf.Write(body[:5])
			buf.Flush()
			conn.Close()
			return
		}
		var start int64
		fmt.Sscanf(rangeHdr, "bytes=%d-", &start)
		w.Header().Set("Content-Range",
			"bytes "+strconv.FormatInt(start, 10)+"-"+strconv.Itoa(len(body)-1)+"/"+strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start:])
	}))
	defer srv.Close()

	cache := t.TempDir()
	src := srv.URL + "/net.onnx"

	got, err := Artifact(context.Background(), src, Options{CacheDir: cache})
	if err != nil {
		t.Fatalf("Artifact() error = %v", err)
	}
	data, err := os.ReadFile(got)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.Equal(data, body) {
		t.Errorf("artifact = %q; want full payload %q", data, body)
	}
	if _, err := os.Stat(got + ".part"); !os.IsNotExist(err) {
		t.Errorf("completed download left a partial file behind (stat err = %v)", err)
	}
}

func TestArtifactLocalPassThrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.onnx")
	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := Artifact(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("Artifact() error = %v", err)
	}
	if got != path {
		t.Errorf("Artifact() = %q; want local path %q unchanged", got, path)
	}
}

func TestArtifactChecksum(t *testing.T) {
	body := []byte("weights")
	sum := sha256.Sum256(body)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	opts := Options{CacheDir: t.TempDir(), SHA256: hex.EncodeToString(sum[:])}
	if _, err := Artifact(context.Background(), srv.URL+"/w.onnx", opts); err != nil {
		t.Errorf("Artifact() with matching checksum error = %v", err)
	}

	opts.SHA256 = strings.Repeat("00", 32)
	opts.CacheDir = t.TempDir()
	if _, err := Artifact(context.Background(), srv.URL+"/w.onnx", opts); err == nil {
		t.Error("Artifact() with wrong checksum should fail")
	}
}

func TestIsRemote(t *testing.T) {
	tests := []struct {
		source string
		want   bool
	}{
		{"https://example.com/w.onnx", true},
		{"http://example.com/w.onnx", true},
		{"s3://bucket/key/w.onnx", true},
		{"/abs/path/w.onnx", false},
		{"rel/path.onnx", false},
	}
	for _, tt := range tests {
		if got := IsRemote(tt.source); got != tt.want {
			t.Errorf("IsRemote(%q) = %v; want %v", tt.source, got, tt.want)
		}
	}
}

func TestParseS3URL(t *testing.T) {
	bucket, key, err := parseS3URL("s3://lens-zoo/weights/net.onnx")
	if err != nil {
		t.Fatalf("parseS3URL() error = %v", err)
	}
	if bucket != "lens-zoo" || key != "weights/net.onnx" {
		t.Errorf("parseS3URL() = %q/%q; want lens-zoo/weights/net.onnx", bucket, key)
	}

	for _, bad := range []string{"s3://", "s3://bucket", "https://x/y"} {
		if _, _, err := parseS3URL(bad); err == nil {
			t.Errorf("parseS3URL(%q) should fail", bad)
		}
	}
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "bundle.zip")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string]string{
		"net.onnx":    "weights",
		"meta/config": "arch",
	} {
		f, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		f.Write([]byte(content))
	}
	zw.Close()
	if err := os.WriteFile(archive, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	dest := filepath.Join(dir, "out")
	if err := os.MkdirAll(dest, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := ExtractArchive(archive, dest, nil); err != nil {
		t.Fatalf("ExtractArchive() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "net.onnx"))
	if err != nil {
		t.Fatalf("read extracted: %v", err)
	}
	if string(got) != "weights" {
		t.Errorf("extracted net.onnx = %q; want %q", got, "weights")
	}
	if _, err := os.Stat(filepath.Join(dest, "meta", "config")); err != nil {
		t.Errorf("nested entry missing: %v", err)
	}
}

func TestExtractZipRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("../escape")
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	f.Write([]byte("x"))
	zw.Close()
	if err := os.WriteFile(archive, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	dest := filepath.Join(dir, "out")
	if err := os.MkdirAll(dest, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := ExtractZip(archive, dest, nil); err == nil {
		t.Error("ExtractZip() should reject path traversal")
	}
}

func TestExtractTarGz(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "bundle.tar.gz")

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	content := []byte("weights")
	if err := tw.WriteHeader(&tar.Header{Name: "net.onnx", Mode: 0644, Size: int64(len(content)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatalf("tar header: %v", err)
	}
	tw.Write(content)
	tw.Close()
	gz.Close()
	if err := os.WriteFile(archive, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	dest := filepath.Join(dir, "out")
	if err := os.MkdirAll(dest, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := ExtractArchive(archive, dest, nil); err != nil {
		t.Fatalf("ExtractArchive() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "net.onnx"))
	if err != nil {
		t.Fatalf("read extracted: %v", err)
	}
	if string(got) != "weights" {
		t.Errorf("extracted = %q; want %q", got, "weights")
	}
}

func TestIsArchive(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"w.zip", true},
		{"w.tar.gz", true},
		{"w.tgz", true},
		{"w.7z", true},
		{"w.onnx", false},
	}
	for _, tt := range tests {
		if got := IsArchive(tt.path); got != tt.want {
			t.Errorf("IsArchive(%q) = %v; want %v", tt.path, got, tt.want)
		}
	}
}
