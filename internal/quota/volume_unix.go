//go:build !windows

package quota

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// VolumeStats returns filesystem statistics for the volume holding path.
// Available uses Bavail (space available to unprivileged users).
func VolumeStats(path string) (total, used, available int64, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := int64(stat.Bsize) //nolint:unconvert // uint32 on darwin
	total = int64(stat.Blocks) * bsize
	available = int64(stat.Bavail) * bsize
	used = total - int64(stat.Bfree)*bsize
	return total, used, available, nil
}
