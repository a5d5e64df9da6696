package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const (
	// DefaultRetryAttempts is the number of times to retry a failed download.
	DefaultRetryAttempts = 3
	// DefaultBufferSize is the buffer size for file downloads.
	DefaultBufferSize = 32 * 1024 // 32KB
)

// DefaultRetryDelay is the delay between retry attempts.
var DefaultRetryDelay = 5 * time.Second

// DownloadFile downloads a URL to a local path with progress tracking.
// Interrupted downloads resume via HTTP Range headers when the server
// supports them.
func DownloadFile(ctx context.Context, destPath string, url string, progressCb ByteProgressCallback) error {
	// Check if partial file exists for resume
	var existingSize int64
	if stat, err := os.Stat(destPath); err == nil {
		existingSize = stat.Size()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if existingSize > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existingSize))
	}

	client := &http.Client{
		Timeout: 0, // No timeout; weight snapshots can be large
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Fresh download, reset existing size
		existingSize = 0
	case http.StatusPartialContent:
		// Resume supported, keep existing size
	default:
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	totalSize := resp.ContentLength
	if totalSize > 0 && existingSize > 0 {
		totalSize += existingSize
	}

	// Open output file (append if resuming, create new otherwise)
	var out *os.File
	if existingSize > 0 && resp.StatusCode == http.StatusPartialContent {
		out, err = os.OpenFile(destPath, os.O_APPEND|os.O_WRONLY, 0644)
	} else {
		out, err = os.Create(destPath)
		existingSize = 0
	}
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer out.Close()

	return copyWithProgress(ctx, out, resp.Body, existingSize, totalSize, progressCb)
}

// copyWithProgress copies src to dst reporting cumulative progress, honoring
// context cancellation between reads.
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, downloaded, total int64, progressCb ByteProgressCallback) error {
	buf := make([]byte, DefaultBufferSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write: %w", err)
			}
			downloaded += int64(n)
			if progressCb != nil {
				progressCb(downloaded, total)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("failed to read response: %w", readErr)
		}
	}
}

// DownloadFileWithRetry downloads with automatic retries. Partial data is
// kept between attempts so a retry resumes rather than restarts.
func DownloadFileWithRetry(ctx context.Context, destPath string, url string, progressCb ByteProgressCallback) error {
	var lastErr error
	for attempt := 1; attempt <= DefaultRetryAttempts; attempt++ {
		lastErr = DownloadFile(ctx, destPath, url, progressCb)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < DefaultRetryAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(DefaultRetryDelay):
			}
		}
	}
	return fmt.Errorf("download failed after %d attempts: %w", DefaultRetryAttempts, lastErr)
}
