// Package platform provides cross-platform utilities for directory paths
// and OS-specific naming used by the experiment tooling.
package platform

import (
	"os"
)

// AppName is the application name used for directory naming
const AppName = "lenslab"

// AppDisplayName is the display name used on Windows
const AppDisplayName = "LensLab"

// GetDataDir returns the application data directory.
// Windows: %APPDATA%\LensLab
// Linux: ~/.local/share/lenslab
// Falls back to ~/.lenslab if XDG is not available.
func GetDataDir() string {
	return getDataDir()
}

// GetTempDir returns the temp directory used for staged downloads.
// Windows: %ProgramData%\LensLab\tmp
// Linux: /tmp/lenslab or XDG_RUNTIME_DIR/lenslab
func GetTempDir() string {
	return getTempDir()
}

// GetCacheDir returns the cache directory for fetched artifacts
// (pretrained weights, lens zoo files).
// Windows: %APPDATA%\LensLab
// Linux: ~/.cache/lenslab
func GetCacheDir() string {
	return getCacheDir()
}

// SharedLibExtension returns the shared library extension for the current platform.
// Windows: ".dll"
// Linux: ".so"
func SharedLibExtension() string {
	return sharedLibExtension()
}

// UserHomeDir returns the user's home directory with proper fallbacks.
func UserHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
