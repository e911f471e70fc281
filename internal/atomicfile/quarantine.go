package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const timestampLayout = "20060102T150405"

// Sidecar renames a corrupt file to "<path>.corrupt-<timestamp>" next to the
// original and returns the new path.
func Sidecar(path string, now time.Time) (string, error) {
	dst := fmt.Sprintf("%s.corrupt-%s", path, now.Format(timestampLayout))
	if _, err := os.Stat(dst); err == nil {
		dst = fmt.Sprintf("%s.corrupt-%s-%d", path, now.Format(timestampLayout), now.UnixNano())
	}
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("rename corrupt file: %w", err)
	}
	return dst, nil
}

// Quarantine moves a corrupt file into quarantineDir as "<base>.<timestamp>.corrupt".
func Quarantine(quarantineDir, path string, now time.Time) (string, error) {
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(path), now.Format(timestampLayout))
	dst := filepath.Join(quarantineDir, name)
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}
