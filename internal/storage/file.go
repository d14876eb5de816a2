package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

// runRing bounds how many run records the file backend keeps queryable in
// memory. The jsonl file itself keeps everything until Prune rewrites it.
const runRing = 500

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.runs.jsonl          (append-only JSON Lines)
//   - <prefix>.dedup.snapshot.json (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl (append-only journal)
//
// Run queries are served from an in-memory tail loaded at open; the dedup
// journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsPath string
	runsFile *os.File
	runs     []RunRecord // oldest first, at most runRing entries
	lastOK   map[string]time.Time

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli

	dedupWrites int
}

type runLine struct {
	At      time.Time `json:"at"`
	Site    string    `json:"site"`
	Kind    string    `json:"kind"`
	Attempt int       `json:"attempt"`
	Final   bool      `json:"final,omitempty"`
	Class   string    `json:"class"`
	Detail  string    `json:"detail,omitempty"`
	Error   string    `json:"err,omitempty"`
	TookMS  int64     `json:"took_ms,omitempty"`
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	runsPath := prefix + ".runs.jsonl"
	snapPath := prefix + ".dedup.snapshot.json"
	journalPath := prefix + ".dedup.journal.jsonl"

	s := &fileStore{
		log:               log,
		runsPath:          runsPath,
		lastOK:            map[string]time.Time{},
		dedupSnapshotPath: snapPath,
		dedup:             map[string]int64{},
	}
	_ = s.loadRuns()

	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.runsFile = rf

	_ = loadDedupSnapshot(snapPath, s.dedup)
	_ = replayDedupJournal(journalPath, s.dedup)
	pruneExpiredDedup(s.dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, err
	}
	s.dedupJournalFile = jf

	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.runsFile != nil {
		err1 = s.runsFile.Close()
		s.runsFile = nil
	}
	if s.dedupJournalFile != nil {
		err2 = s.dedupJournalFile.Close()
		s.dedupJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return errors.New("runs file closed")
	}
	if err := json.NewEncoder(s.runsFile).Encode(toRunLine(r)); err != nil {
		return err
	}
	s.rememberLocked(r)
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, site string, limit int) ([]RunRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunRecord, 0, limit)
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if site != "" && s.runs[i].Site != site {
			continue
		}
		out = append(out, s.runs[i])
	}
	return out, nil
}

func (s *fileStore) LastSuccess(ctx context.Context, site string) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastOK[site]
	return t, ok, nil
}

// Prune rewrites the runs file keeping only records at or after the cutoff,
// then rebuilds the in-memory tail from what remains.
func (s *fileStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return 0, errors.New("runs file closed")
	}

	f, err := os.Open(s.runsPath)
	if err != nil {
		return 0, err
	}
	var kept []RunRecord
	dropped := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var l runLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			dropped++
			continue
		}
		if l.At.Before(olderThan) {
			dropped++
			continue
		}
		kept = append(kept, fromRunLine(l))
	}
	scanErr := sc.Err()
	_ = f.Close()
	if scanErr != nil {
		return 0, scanErr
	}

	tmp := s.runsPath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(out)
	for _, r := range kept {
		if err := enc.Encode(toRunLine(r)); err != nil {
			_ = out.Close()
			return 0, err
		}
	}
	if err := out.Close(); err != nil {
		return 0, err
	}

	_ = s.runsFile.Close()
	if err := os.Rename(tmp, s.runsPath); err != nil {
		s.runsFile, _ = os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		return 0, err
	}
	s.runsFile, err = os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}

	s.runs = nil
	s.lastOK = map[string]time.Time{}
	for _, r := range kept {
		s.rememberLocked(r)
	}

	pruneExpiredDedup(s.dedup)
	return dropped, nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	if s.dedup == nil {
		s.dedup = map[string]int64{}
	}
	s.dedup[key] = ms

	enc := json.NewEncoder(s.dedupJournalFile)
	if err := enc.Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedup == nil {
		return time.Time{}, false, nil
	}
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// loadRuns replays the jsonl file into the in-memory tail.
func (s *fileStore) loadRuns() error {
	f, err := os.Open(s.runsPath)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var l runLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			continue
		}
		s.rememberLocked(fromRunLine(l))
	}
	return sc.Err()
}

func (s *fileStore) rememberLocked(r RunRecord) {
	s.runs = append(s.runs, r)
	if len(s.runs) > runRing {
		s.runs = s.runs[len(s.runs)-runRing:]
	}
	if r.Kind == RunCheckin && r.Class == "success" {
		if last, ok := s.lastOK[r.Site]; !ok || r.At.After(last) {
			s.lastOK[r.Site] = r.At
		}
	}
}

func (s *fileStore) compactLocked() error {
	if s.dedup == nil {
		return nil
	}
	pruneExpiredDedup(s.dedup)

	tmp := s.dedupSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.dedup); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dedupSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.dedupJournalFile.Seek(0, 2)
	return err
}

func toRunLine(r RunRecord) runLine {
	return runLine{
		At:      r.At,
		Site:    r.Site,
		Kind:    r.Kind,
		Attempt: r.Attempt,
		Final:   r.Final,
		Class:   r.Class,
		Detail:  r.Detail,
		Error:   r.Error,
		TookMS:  r.TookMS,
	}
}

func fromRunLine(l runLine) RunRecord {
	return RunRecord{
		At:      l.At,
		Site:    l.Site,
		Kind:    l.Kind,
		Attempt: l.Attempt,
		Final:   l.Final,
		Class:   l.Class,
		Detail:  l.Detail,
		Error:   l.Error,
		TookMS:  l.TookMS,
	}
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return s.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
