package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"perp-trading-agent/internal/types"
)

func TestAppendAndReadDay(t *testing.T) {
	s := New(t.TempDir())

	d := types.Decision{Symbol: "BTC", Action: types.ActionLong, SizeUSD: 1000}
	if err := s.Decision(d); err != nil {
		t.Fatalf("decision write failed: %v", err)
	}
	if err := s.Decision(types.Decision{Symbol: "ETH", Action: types.ActionHold}); err != nil {
		t.Fatalf("decision write failed: %v", err)
	}

	lines, err := s.ReadDay("decisions", time.Now())
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 records, got %d", len(lines))
	}

	var got struct {
		Time   string       `json:"time"`
		Symbol string       `json:"symbol"`
		Action types.Action `json:"action"`
	}
	if err := json.Unmarshal(lines[0], &got); err != nil {
		t.Fatalf("record is not valid JSON: %v", err)
	}
	if got.Symbol != "BTC" || got.Action != types.ActionLong {
		t.Errorf("unexpected first record: %+v", got)
	}
	if got.Time == "" {
		t.Error("record must carry a timestamp")
	}
}

func TestRecordKindsAreSeparated(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	_ = s.Decision(types.Decision{Symbol: "BTC"})
	_ = s.Execution(types.ExecutionResult{Symbol: "BTC", Status: types.ExecFilled})
	_ = s.PlanTransition(types.ExitPlan{Symbol: "BTC", State: types.PlanActive})
	_ = s.Approval(types.ApprovalRequest{ID: "r1"}, types.ApprovalResult{RequestID: "r1", Status: types.ApprovalApproved})

	for _, kind := range []string{"decisions", "executions", "plans", "approvals"} {
		lines, err := s.ReadDay(kind, time.Now())
		if err != nil {
			t.Errorf("kind %s unreadable: %v", kind, err)
			continue
		}
		if len(lines) != 1 {
			t.Errorf("kind %s: expected 1 record, got %d", kind, len(lines))
		}
	}
}

func TestReadDayMissingFile(t *testing.T) {
	s := New(t.TempDir())
	if _, err := s.ReadDay("decisions", time.Now()); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestCompressOlderAndReadBack(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if err := s.Execution(types.ExecutionResult{Symbol: "BTC", Status: types.ExecFilled}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// Age the file past the retention window.
	day := time.Now().UTC().Format("2006-01-02")
	p := filepath.Join(dir, "executions", day+".jsonl")
	old := time.Now().AddDate(0, 0, -10)
	if err := os.Chtimes(p, old, old); err != nil {
		t.Fatalf("chtimes failed: %v", err)
	}

	if err := s.CompressOlder(7); err != nil {
		t.Fatalf("compress failed: %v", err)
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Error("plain file must be removed after compression")
	}
	if _, err := os.Stat(p + ".gz"); err != nil {
		t.Fatalf("gzip file missing: %v", err)
	}

	// ReadDay transparently falls back to the .gz.
	lines, err := s.ReadDay("executions", time.Now())
	if err != nil {
		t.Fatalf("read of compressed day failed: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 record from gzip, got %d", len(lines))
	}
}

func TestCompressOlderKeepsRecentFiles(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	_ = s.Decision(types.Decision{Symbol: "BTC"})

	if err := s.CompressOlder(7); err != nil {
		t.Fatalf("compress failed: %v", err)
	}
	day := time.Now().UTC().Format("2006-01-02")
	if _, err := os.Stat(filepath.Join(dir, "decisions", day+".jsonl")); err != nil {
		t.Error("recent file must stay uncompressed")
	}
}
