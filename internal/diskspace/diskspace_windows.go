//go:build windows

package diskspace

import "golang.org/x/sys/windows"

func stat(path string) (*Info, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}

	var freeBytesAvailable, totalBytes, totalFreeBytes uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &freeBytesAvailable, &totalBytes, &totalFreeBytes); err != nil {
		return nil, err
	}
	return &Info{
		Total:     totalBytes,
		Free:      totalFreeBytes,
		Available: freeBytesAvailable,
	}, nil
}
