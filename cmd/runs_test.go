package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/segment-cli/internal/model"
)

func TestComputeRunStats(t *testing.T) {
	now := time.Now()
	runs := []model.Run{
		{
			Stage:         model.StageCompleted,
			TotalProducts: 100,
			CreatedAt:     now,
			Summary:       &model.RunSummary{ModelCalls: 7, CacheHits: 2, EstimatedCost: 0.5, DurationMs: 2000},
		},
		{
			Stage:         model.StageCompleted,
			TotalProducts: 50,
			CreatedAt:     now,
			Summary:       &model.RunSummary{ModelCalls: 3, EstimatedCost: 0.25, DurationMs: 4000},
		},
		{Stage: model.StageFailed, Cancelled: true, TotalProducts: 10, CreatedAt: now},
		{Stage: model.StageFailed, TotalProducts: 10, CreatedAt: now},
		{Stage: model.StageRefinement, TotalProducts: 5, CreatedAt: now},
		{Stage: model.StageCompleted, TotalProducts: 1000, CreatedAt: now.Add(-48 * time.Hour)},
	}

	s := computeRunStats(runs, now.Add(-24*time.Hour))
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 2, s.Completed)
	assert.Equal(t, 2, s.Failed)
	assert.Equal(t, 1, s.Cancelled)
	assert.Equal(t, 1, s.InProgress)
	assert.Equal(t, 175, s.Products)
	assert.Equal(t, 10, s.ModelCalls)
	assert.Equal(t, 2, s.CacheHits)
	assert.InDelta(t, 0.75, s.CostUSD, 0.0001)
	assert.InDelta(t, 3.0, s.AvgDurSecs, 0.0001)

	all := computeRunStats(runs, time.Time{})
	assert.Equal(t, 6, all.Total)
}

func TestFormatRunsList(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	runs := []model.Run{
		{ID: "0b7c1d2e-aaaa-bbbb", Stage: model.StageCompleted, TotalProducts: 100, CallsDone: 7, CallsTotal: 7, CreatedAt: created, UpdatedAt: created.Add(90 * time.Second)},
		{ID: "short", Stage: model.StageFailed, FailedPhase: "refinement", FailedBatch: "ref-0002", CreatedAt: created, UpdatedAt: created},
		{ID: "c", Stage: model.StageFailed, Cancelled: true, CreatedAt: created, UpdatedAt: created},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)
	out := buf.String()

	assert.Contains(t, out, "0b7c1d2e ")
	assert.NotContains(t, out, "aaaa")
	assert.Contains(t, out, "7/7")
	assert.Contains(t, out, "ref-0002")
	assert.Contains(t, out, "cancelled")
	assert.Contains(t, out, "2026-03-01 09:30")
	assert.Contains(t, out, "1m30s")
}

func TestFormatRunStats(t *testing.T) {
	var buf bytes.Buffer
	formatRunStats(&buf, runStats{Total: 3, Completed: 2, Failed: 1, CostUSD: 1.5, AvgDurSecs: 2.5})
	out := buf.String()
	assert.Contains(t, out, "Total runs:")
	assert.Contains(t, out, "$1.5000")
	assert.Contains(t, out, "2.5s")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "12345678", truncateID("1234567890"))
	assert.Equal(t, "abc", truncateID("abc"))
}
