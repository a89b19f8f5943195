package eod

import (
	"encoding/csv"
	"os"
	"testing"
	"time"

	"perp-trading-agent/internal/archive"
	"perp-trading-agent/internal/types"
)

func writeExecutions(t *testing.T, store *archive.Store) {
	t.Helper()
	records := []types.ExecutionResult{
		{
			Symbol:     "BTC",
			Status:     types.ExecFilled,
			Decision:   types.Decision{Symbol: "BTC", Action: types.ActionLong, SizeUSD: 5000},
			EntryOrder: types.OrderAck{AvgPrice: 43000},
		},
		{
			Symbol:     "BTC",
			Status:     types.ExecFilled,
			Decision:   types.Decision{Symbol: "BTC", Action: types.ActionFlat},
			EntryOrder: types.OrderAck{AvgPrice: 43500},
		},
		{
			Symbol:   "BTC",
			Status:   types.ExecRejected,
			Decision: types.Decision{Symbol: "BTC", Action: types.ActionLong, SizeUSD: 50},
		},
		{
			Symbol:   "ETH",
			Status:   types.ExecUnprotectedRecovered,
			Decision: types.Decision{Symbol: "ETH", Action: types.ActionShort, SizeUSD: 2000},
		},
	}
	for _, r := range records {
		if err := store.Execution(r); err != nil {
			t.Fatalf("archive write failed: %v", err)
		}
	}
}

func TestSummarizeDay(t *testing.T) {
	store := archive.New(t.TempDir())
	writeExecutions(t, store)

	path, err := SummarizeDay(store, time.Now())
	if err != nil {
		t.Fatalf("summarize failed: %v", err)
	}
	if path == "" {
		t.Fatal("expected a CSV path")
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open CSV: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read CSV: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 symbols, got %d rows", len(rows))
	}
	if rows[0][0] != "symbol" {
		t.Errorf("unexpected header: %v", rows[0])
	}

	// Sorted by symbol: BTC first.
	btc, eth := rows[1], rows[2]
	if btc[0] != "BTC" || eth[0] != "ETH" {
		t.Fatalf("rows not sorted by symbol: %v / %v", btc, eth)
	}
	if btc[1] != "1" || btc[2] != "1" || btc[3] != "1" {
		t.Errorf("BTC entries/closes/rejected wrong: %v", btc)
	}
	if btc[5] != "5000.00" {
		t.Errorf("BTC notional wrong: %s", btc[5])
	}
	if eth[4] != "1" {
		t.Errorf("ETH safety count wrong: %v", eth)
	}
}

func TestSummarizeDayWithoutData(t *testing.T) {
	store := archive.New(t.TempDir())
	path, err := SummarizeDay(store, time.Now())
	if err != nil {
		t.Fatalf("empty day must not error: %v", err)
	}
	if path != "" {
		t.Errorf("empty day must write nothing, got %s", path)
	}
}
