package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"wablast/internal/dispatch"
	logx "wablast/pkg/logx"
)

// fileStore needs nothing beyond the filesystem.
//
// Files:
//   - <prefix>.audit.jsonl            (append-only JSON Lines)
//   - <prefix>.reports.snapshot.json  (periodic snapshot)
//   - <prefix>.reports.journal.jsonl  (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes and
// after every prune.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	reports      map[string]dispatch.Report

	writes int
}

const compactEvery = 100

type journalRecord struct {
	Op     string           `json:"op"`
	Report *dispatch.Report `json:"report,omitempty"`
	Before time.Time        `json:"before,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".reports.snapshot.json"
	journalPath := prefix + ".reports.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	reports := map[string]dispatch.Report{}
	if err := loadSnapshot(snapPath, reports); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("report snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, reports); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("report journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("reports", len(reports)))
	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		reports:      reports,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) SaveReport(_ context.Context, r dispatch.Report) error {
	if strings.TrimSpace(r.JobID) == "" {
		return errors.New("report has no job id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("report journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(journalRecord{Op: "put", Report: &r}); err != nil {
		return err
	}
	s.reports[r.JobID] = r
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("report compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetReport(_ context.Context, id string) (dispatch.Report, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	return r, ok, nil
}

func (s *fileStore) ListReports(_ context.Context, limit int) ([]dispatch.Summary, error) {
	s.mu.Lock()
	out := make([]dispatch.Summary, 0, len(s.reports))
	for _, r := range s.reports {
		out = append(out, r.Summary())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].FinishedAt.After(out[j].FinishedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) PruneReports(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return 0, errors.New("report journal closed")
	}
	n := pruneBefore(s.reports, before)
	if n == 0 {
		return 0, nil
	}
	if err := json.NewEncoder(s.journalFile).Encode(journalRecord{Op: "prune", Before: before}); err != nil {
		return n, err
	}
	return n, s.compactLocked()
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.reports); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]dispatch.Report) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]dispatch.Report
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]dispatch.Report) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		switch rec.Op {
		case "put":
			if rec.Report != nil && rec.Report.JobID != "" {
				out[rec.Report.JobID] = *rec.Report
			}
		case "prune":
			pruneBefore(out, rec.Before)
		}
	}
	return sc.Err()
}

func pruneBefore(m map[string]dispatch.Report, before time.Time) int {
	n := 0
	for k, r := range m {
		if r.FinishedAt.Before(before) {
			delete(m, k)
			n++
		}
	}
	return n
}
