package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/crypto"
)

// WriteChecksum computes a digest over the day's current segment content
// and writes the companion checksum artifact. Missing segments are not
// an error; there is simply nothing to protect yet.
func (l *Logger) WriteChecksum(day string) error {
	data, err := os.ReadFile(l.segmentPath(day))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	digest := crypto.Hash(string(data))
	if err := os.WriteFile(l.checksumPath(day), []byte(digest+"\n"), 0o644); err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	return nil
}

// VerifyChecksum recomputes the day's segment digest and compares it to
// the stored checksum artifact, detecting post-hoc tampering. Returns
// false when the digests differ; an absent checksum artifact is an error
// since there is nothing to verify against.
func (l *Logger) VerifyChecksum(day string) (bool, error) {
	stored, err := os.ReadFile(l.checksumPath(day))
	if err != nil {
		return false, fmt.Errorf("audit: no checksum for day %s: %w", day, err)
	}

	data, err := os.ReadFile(l.segmentPath(day))
	if err != nil {
		return false, fmt.Errorf("audit: %w", err)
	}

	return strings.TrimSpace(string(stored)) == crypto.Hash(string(data)), nil
}

// Prune removes segments (and their checksum artifacts) older than the
// retention window. Returns how many segments were removed.
func (l *Logger) Prune() (int, error) {
	cutoff := l.clock.Now().UTC().AddDate(0, 0, -l.retention)

	pattern := filepath.Join(l.dir, segmentPrefix+"*"+segmentSuffix)
	segments, err := filepath.Glob(pattern)
	if err != nil {
		return 0, fmt.Errorf("audit: %w", err)
	}

	removed := 0
	for _, path := range segments {
		day := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), segmentPrefix), segmentSuffix)
		t, err := time.Parse(dayFormat, day)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			if err := os.Remove(path); err != nil {
				l.logger.Warn("failed to prune audit segment", zap.String("day", day), zap.Error(err))
				continue
			}
			os.Remove(path + checksumExt)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Info("pruned audit segments", zap.Int("removed", removed))
	}
	return removed, nil
}

// checksumLoop runs the periodic integrity job: checksum the current
// day's segment and prune expired ones. It never shares a lock with the
// append path beyond the brief currentDay read.
func (l *Logger) checksumLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			day := l.clock.Now().UTC().Format(dayFormat)
			if err := l.WriteChecksum(day); err != nil {
				l.logger.Error("audit checksum failed", zap.String("day", day), zap.Error(err))
			}
			if _, err := l.Prune(); err != nil {
				l.logger.Error("audit prune failed", zap.Error(err))
			}
		}
	}
}
