//go:build windows

package config

import (
	"fmt"
	"os"
)

// openSecureFile opens path on Windows, which has no O_NOFOLLOW.
// Creating symlinks there requires special privileges.
func openSecureFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errFileNotFound
		}
		return nil, fmt.Errorf("config: failed to open file: %w", err)
	}
	return f, nil
}

// checkFilePermissions on Windows is a no-op; mode bits do not reflect ACLs.
func checkFilePermissions(_ os.FileInfo) error {
	return nil
}

// checkFileOwnership on Windows is a no-op; ownership is governed by ACLs.
func checkFileOwnership(_ os.FileInfo) error {
	return nil
}
