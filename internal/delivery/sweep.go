package delivery

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var sweepPrefixes = []string{"confirmation-", "screenshot-"}

// Sweep removes confirmation and screenshot files in dir older than maxAge.
func Sweep(dir string, maxAge time.Duration) (int, error) {
	return SweepAt(dir, maxAge, time.Now())
}

// SweepAt is Sweep with an explicit clock.
func SweepAt(dir string, maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := now.Add(-maxAge)
	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !sweepable(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func sweepable(name string) bool {
	for _, p := range sweepPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
