// Package archive is the append-only audit trail: one JSONL file per day and
// record kind under the archive directory. Writes never block the trading
// path; callers log and move on when a write fails.
package archive

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"perp-trading-agent/internal/types"
)

const (
	kindDecisions  = "decisions"
	kindExecutions = "executions"
	kindPlans      = "plans"
	kindApprovals  = "approvals"
)

// Store writes audit records as JSONL, one directory per record kind.
type Store struct {
	mu  sync.Mutex
	dir string
}

func New(dir string) *Store {
	if dir == "" {
		if v := os.Getenv("AGENT_ARCHIVE_DIR"); v != "" {
			dir = v
		} else {
			dir = "archive"
		}
	}
	return &Store{dir: dir}
}

// Dir returns the archive root.
func (s *Store) Dir() string { return s.dir }

func (s *Store) Decision(d types.Decision) error {
	return s.append(kindDecisions, struct {
		Time string `json:"time"`
		types.Decision
	}{time.Now().UTC().Format(time.RFC3339), d})
}

func (s *Store) Execution(r types.ExecutionResult) error {
	return s.append(kindExecutions, struct {
		Time string `json:"time"`
		types.ExecutionResult
	}{time.Now().UTC().Format(time.RFC3339), r})
}

func (s *Store) PlanTransition(plan types.ExitPlan) error {
	return s.append(kindPlans, struct {
		Time string `json:"time"`
		types.ExitPlan
	}{time.Now().UTC().Format(time.RFC3339), plan})
}

func (s *Store) Approval(req types.ApprovalRequest, result types.ApprovalResult) error {
	return s.append(kindApprovals, struct {
		Time    string                `json:"time"`
		Request types.ApprovalRequest `json:"request"`
		Result  types.ApprovalResult  `json:"result"`
	}{time.Now().UTC().Format(time.RFC3339), req, result})
}

func (s *Store) append(kind string, record any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.dailyPath(kind, time.Now().UTC())
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	b, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(f, string(b))
	return err
}

func (s *Store) dailyPath(kind string, t time.Time) string {
	return filepath.Join(s.dir, kind, t.Format("2006-01-02")+".jsonl")
}

// ReadDay returns the raw JSONL lines for a kind and day, newest file layout
// aware (reads the .gz if the plain file has been compressed).
func (s *Store) ReadDay(kind string, day time.Time) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.dailyPath(kind, day.UTC())
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		data, err = readGzip(p + ".gz")
	}
	if err != nil {
		return nil, err
	}

	var lines [][]byte
	for _, line := range splitLines(data) {
		if len(line) > 0 {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// CompressOlder gzips archive files older than the retention window.
func (s *Store) CompressOlder(retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	return filepath.WalkDir(s.dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(p) != ".jsonl" {
			return nil
		}
		info, err := os.Stat(p)
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}

		gz := p + ".gz"
		if _, err := os.Stat(gz); err == nil {
			return os.Remove(p)
		}
		if err := gzipFile(p, gz); err != nil {
			return nil
		}
		return os.Remove(p)
	})
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		out.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func readGzip(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			out = append(out, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, data[start:])
	}
	return out
}
