// Package ortlib provisions the ONNX Runtime shared library that inference
// needs. The official release archive for the current platform is downloaded
// and the main library is extracted into the application data directory,
// where the restoration network looks it up.
package ortlib

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/lenslab/lenslab/fetch"
	"github.com/lenslab/lenslab/platform"
)

// DefaultVersion is the ONNX Runtime release the Go binding is built against.
const DefaultVersion = "1.21.0"

// Options configures provisioning.
type Options struct {
	// Version overrides DefaultVersion.
	Version string
	// Dir overrides the install directory (platform data dir by default).
	Dir string
	// Progress receives download byte progress.
	Progress fetch.ByteProgressCallback

	Log *logrus.Logger
}

// LibName returns the installed library file name for this platform.
func LibName() string {
	return "onnxruntime" + platform.SharedLibExtension()
}

// LibPath returns where the library is installed by default.
func LibPath() string {
	return filepath.Join(platform.GetDataDir(), LibName())
}

// Installed reports whether the library is already present at path.
func Installed(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// DownloadURL returns the official release archive URL for the platform.
func DownloadURL(version, goos, goarch string) string {
	base := "https://github.com/microsoft/onnxruntime/releases/download/v" + version + "/onnxruntime-"
	switch goos {
	case "windows":
		if goarch == "arm64" {
			return base + "win-arm64-" + version + ".zip"
		}
		return base + "win-x64-" + version + ".zip"
	case "darwin":
		if goarch == "arm64" {
			return base + "osx-arm64-" + version + ".tgz"
		}
		return base + "osx-x86_64-" + version + ".tgz"
	default:
		if goarch == "arm64" {
			return base + "linux-aarch64-" + version + ".tgz"
		}
		return base + "linux-x64-" + version + ".tgz"
	}
}

// Ensure installs the ONNX Runtime library if it is not already present and
// returns its path.
func Ensure(ctx context.Context, opts Options) (string, error) {
	version := opts.Version
	if version == "" {
		version = DefaultVersion
	}
	dir := opts.Dir
	if dir == "" {
		dir = platform.GetDataDir()
	}
	dest := filepath.Join(dir, LibName())
	if Installed(dest) {
		return dest, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("ortlib: create install dir: %w", err)
	}

	url := DownloadURL(version, runtime.GOOS, runtime.GOARCH)
	if opts.Log != nil {
		opts.Log.WithFields(logrus.Fields{"version": version, "url": url}).
			Info("downloading onnxruntime")
	}

	archive := filepath.Join(platform.GetTempDir(), filepath.Base(url))
	if err := fetch.DownloadFileWithRetry(ctx, archive, url, opts.Progress); err != nil {
		return "", fmt.Errorf("ortlib: download runtime: %w", err)
	}
	defer os.Remove(archive)

	var err error
	if strings.HasSuffix(url, ".zip") {
		err = extractLibFromZip(archive, dest, runtime.GOOS)
	} else {
		err = extractLibFromTarGz(archive, dest, runtime.GOOS)
	}
	if err != nil {
		return "", err
	}

	if opts.Log != nil {
		opts.Log.WithField("path", dest).Info("onnxruntime installed")
	}
	return dest, nil
}

// mainLib reports whether an archive entry is the main runtime library for
// the given OS. Execution provider plugins are skipped.
func mainLib(name, goos string) bool {
	if strings.Contains(name, "_providers_") {
		return false
	}
	switch goos {
	case "windows":
		return strings.HasSuffix(name, "/lib/onnxruntime.dll") ||
			filepath.Base(name) == "onnxruntime.dll"
	case "darwin":
		return strings.Contains(name, "/lib/libonnxruntime.") &&
			strings.HasSuffix(name, ".dylib")
	default:
		return strings.Contains(name, "/lib/libonnxruntime.so.")
	}
}

func extractLibFromTarGz(archive, dest, goos string) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("ortlib: open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("ortlib: read archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("ortlib: read archive: %w", err)
		}
		if header.Typeflag == tar.TypeDir || !mainLib(header.Name, goos) {
			continue
		}
		return writeLib(dest, tr)
	}
	return fmt.Errorf("ortlib: no runtime library in %s", filepath.Base(archive))
}

func extractLibFromZip(archive, dest, goos string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("ortlib: open archive: %w", err)
	}
	defer r.Close()

	for _, file := range r.File {
		if file.FileInfo().IsDir() || !mainLib(file.Name, goos) {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("ortlib: read archive entry: %w", err)
		}
		err = writeLib(dest, rc)
		rc.Close()
		return err
	}
	return fmt.Errorf("ortlib: no runtime library in %s", filepath.Base(archive))
}

func writeLib(dest string, src io.Reader) error {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return fmt.Errorf("ortlib: create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("ortlib: extract library: %w", err)
	}
	return out.Close()
}
