package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PermFile is the mode used for files written into the guest filesystem.
const PermFile os.FileMode = 0644

// PermExec is the mode used for boot scripts written into the guest filesystem.
const PermExec os.FileMode = 0755

// --- Extension Checks (String-based) ---

// IsImg checks if the path has a raw disk image extension (.img, .raw).
func IsImg(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".img" || ext == ".raw"
}

// IsCompressed checks if the path has one of the extensions produced by the
// compression stage (.gz, .xz, .zst).
func IsCompressed(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".gz" || ext == ".xz" || ext == ".zst"
}

// --- Filesystem Checks (OS-based) ---

// FileExists checks if a file exists and is not a directory.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) || err != nil {
		return false
	}
	return !info.IsDir()
}

// DirExists checks if a path exists and is a directory.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) || err != nil {
		return false
	}
	return info.IsDir()
}

// RegularFileSize returns the size of path, failing unless it is a regular
// file. Symlinks are followed.
func RegularFileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("could not stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", path)
	}
	return info.Size(), nil
}
