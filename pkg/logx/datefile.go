package logx

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Daily log artifacts: app_sign_logs_YYYYMMDD.log under the sink dir.
const (
	fileNamePrefix = "app_sign_logs_"
	fileNameSuffix = ".log"
	fileDateLayout = "20060102"

	defaultRetentionDays = 30
)

// DateFileSink is a zerolog output bound to the current date's log file.
//
// Contract:
//   - Write never returns an error and never panics; a broken sink drops
//     lines to stderr rather than failing the caller.
//   - If the backing file disappears (external deletion), the next write
//     recreates it and prepends exactly one recovery marker line.
//   - Writes on a new date roll over to the new date's file automatically;
//     Rotate() exists so the owner can force the swap at day boundaries.
type DateFileSink struct {
	mu            sync.Mutex
	dir           string
	retentionDays int

	date string // yyyymmdd the open handle is bound to
	f    *os.File

	nowFn func() time.Time
}

func NewDateFileSink(dir string, retentionDays int) (*DateFileSink, error) {
	if retentionDays <= 0 {
		retentionDays = defaultRetentionDays
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	s := &DateFileSink{
		dir:           dir,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
	now := s.nowFn()
	if err := s.openLocked(now, false); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the file currently backing the sink.
func (s *DateFileSink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pathFor(s.date)
}

func (s *DateFileSink) pathFor(date string) string {
	return filepath.Join(s.dir, fileNamePrefix+date+fileNameSuffix)
}

// Write implements io.Writer for zerolog. It reports full success even when
// the underlying file is unusable so that a lost sink can never take down
// the component doing the logging.
func (s *DateFileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	if d := now.Format(fileDateLayout); d != s.date {
		if err := s.rotateLocked(now); err != nil {
			fmt.Fprintf(os.Stderr, "logx: rotate log sink: %v\n", err)
			return len(p), nil
		}
	}

	if err := s.ensureLocked(now); err != nil {
		fmt.Fprintf(os.Stderr, "logx: recreate log sink: %v\n", err)
		return len(p), nil
	}

	if _, err := s.f.Write(p); err != nil {
		// Handle went bad without the file disappearing (e.g. rotated
		// filesystem). Reopen once and retry; drop the line otherwise.
		if err2 := s.openLocked(now, true); err2 == nil {
			_, _ = s.f.Write(p)
		} else {
			fmt.Fprintf(os.Stderr, "logx: reopen log sink: %v\n", err2)
		}
	}
	return len(p), nil
}

// ensureLocked recreates the backing file when it was removed externally.
func (s *DateFileSink) ensureLocked(now time.Time) error {
	if s.f == nil {
		return s.openLocked(now, true)
	}
	if _, err := os.Stat(s.pathFor(s.date)); err != nil {
		if os.IsNotExist(err) {
			return s.openLocked(now, true)
		}
		// Stat failed for another reason; keep the existing handle and
		// let the write surface the problem.
	}
	return nil
}

// openLocked (re)opens the file for the date of now. When marker is set it
// writes one recovery line so the gap is visible in the recreated file.
func (s *DateFileSink) openLocked(now time.Time, marker bool) error {
	if s.f != nil {
		_ = s.f.Close()
		s.f = nil
	}
	date := now.Format(fileDateLayout)
	f, err := os.OpenFile(s.pathFor(date), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	s.f = f
	s.date = date
	if marker {
		line := fmt.Sprintf("{\"level\":\"warn\",\"time\":%q,\"message\":\"log file recreated, previous sink was removed\"}\n",
			now.Format(consoleTimeFormat))
		_, _ = f.WriteString(line)
	}
	return nil
}

// Rotate swaps the sink to the date of now. Idempotent within a day.
func (s *DateFileSink) Rotate(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Format(fileDateLayout) == s.date && s.f != nil {
		return nil
	}
	return s.rotateLocked(now)
}

func (s *DateFileSink) rotateLocked(now time.Time) error {
	return s.openLocked(now, false)
}

// Purge deletes dated log files older than the retention window. The file
// backing the current date is never a candidate. Deletion failures are
// reported but do not stop the sweep.
func (s *DateFileSink) Purge(now time.Time) (int, error) {
	s.mu.Lock()
	dir := s.dir
	keepDays := s.retentionDays
	current := s.date
	s.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read log dir: %w", err)
	}

	cutoff := now.AddDate(0, 0, -keepDays)
	removed := 0
	var lastErr error
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		date, ok := dateFromFileName(ent.Name())
		if !ok || date == current {
			continue
		}
		t, err := time.ParseInLocation(fileDateLayout, date, now.Location())
		if err != nil {
			continue
		}
		if !t.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, ent.Name())); err != nil {
			lastErr = err
			continue
		}
		removed++
	}
	return removed, lastErr
}

// Close releases the file handle. Further writes recreate it, so owners
// should drop the sink after closing.
func (s *DateFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func dateFromFileName(name string) (string, bool) {
	if !strings.HasPrefix(name, fileNamePrefix) || !strings.HasSuffix(name, fileNameSuffix) {
		return "", false
	}
	date := strings.TrimSuffix(strings.TrimPrefix(name, fileNamePrefix), fileNameSuffix)
	if len(date) != len(fileDateLayout) {
		return "", false
	}
	for _, r := range date {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return date, true
}
