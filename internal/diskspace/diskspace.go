// Package diskspace reports free space for the filesystem holding a path.
package diskspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// Info describes filesystem capacity in bytes.
type Info struct {
	Total     uint64
	Free      uint64
	Available uint64
	UsedPct   int
}

// Check returns disk space information for path. If path does not exist
// yet, its parent directory is inspected instead.
func Check(path string) (*Info, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = filepath.Dir(path)
	}
	info, err := stat(path)
	if err != nil {
		return nil, fmt.Errorf("diskspace: failed to get disk stats: %w", err)
	}
	if info.Total > 0 {
		info.UsedPct = int(100 * (info.Total - info.Free) / info.Total)
	}
	return info, nil
}

// Require fails when fewer than min bytes are available under path.
func Require(path string, min uint64) error {
	info, err := Check(path)
	if err != nil {
		return err
	}
	if info.Available < min {
		return fmt.Errorf("diskspace: insufficient disk space: only %d bytes available, need at least %d",
			info.Available, min)
	}
	return nil
}
