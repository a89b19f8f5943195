// Package eod writes the end-of-day CSV summary from the execution archive.
package eod

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"perp-trading-agent/internal/archive"
	"perp-trading-agent/internal/types"
)

type aggRow struct {
	Symbol       string
	Entries      int
	Closes       int
	Rejected     int
	Safety       int // unprotected/unmanaged outcomes
	NotionalUSD  float64
	AvgFillPrice float64
	fillCount    int
}

// SummarizeDay aggregates one day's executions into a CSV next to the
// archive. Returns the written path, or "" when the day has no executions.
func SummarizeDay(store *archive.Store, day time.Time) (string, error) {
	lines, err := store.ReadDay("executions", day)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	aggs := map[string]*aggRow{}
	for _, line := range lines {
		var r types.ExecutionResult
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		row := aggs[r.Symbol]
		if row == nil {
			row = &aggRow{Symbol: r.Symbol}
			aggs[r.Symbol] = row
		}
		switch r.Status {
		case types.ExecFilled:
			if r.Decision.Action == types.ActionFlat {
				row.Closes++
			} else {
				row.Entries++
				row.NotionalUSD += r.Decision.SizeUSD
			}
			if r.EntryOrder.AvgPrice > 0 {
				row.AvgFillPrice += r.EntryOrder.AvgPrice
				row.fillCount++
			}
		case types.ExecRejected:
			row.Rejected++
		case types.ExecUnprotectedRecovered, types.ExecCriticalUnmanaged:
			row.Safety++
		}
	}
	if len(aggs) == 0 {
		return "", nil
	}

	rows := make([]*aggRow, 0, len(aggs))
	for _, row := range aggs {
		if row.fillCount > 0 {
			row.AvgFillPrice /= float64(row.fillCount)
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Symbol < rows[j].Symbol })

	outPath := filepath.Join(store.Dir(), "eod", day.UTC().Format("2006-01-02")+".csv")
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	_ = w.Write([]string{"symbol", "entries", "closes", "rejected", "safety_events", "notional_usd", "avg_fill_price"})
	for _, row := range rows {
		_ = w.Write([]string{
			row.Symbol,
			strconv.Itoa(row.Entries),
			strconv.Itoa(row.Closes),
			strconv.Itoa(row.Rejected),
			strconv.Itoa(row.Safety),
			strconv.FormatFloat(row.NotionalUSD, 'f', 2, 64),
			strconv.FormatFloat(row.AvgFillPrice, 'f', 4, 64),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return outPath, nil
}

// Run summarizes yesterday shortly after each UTC midnight and compresses
// archive files past the retention window.
func Run(ctx context.Context, store *archive.Store, retentionDays int) {
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24*time.Hour + 5*time.Minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}
		_, _ = SummarizeDay(store, time.Now().UTC().AddDate(0, 0, -1))
		_ = store.CompressOlder(retentionDays)
	}
}
