package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/segment-cli/internal/archive"
	"github.com/sells-group/segment-cli/internal/catalog"
	"github.com/sells-group/segment-cli/internal/config"
	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/resilience"
)

// testConfig points the package config at a temp dir.
func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg = &config.Config{
		Store:   config.StoreConfig{Driver: "sqlite", SQLitePath: filepath.Join(dir, "segment.db")},
		Archive: config.ArchiveConfig{Dir: filepath.Join(dir, "archive")},
		Catalog: config.CatalogConfig{Driver: "file"},
		LLM: config.LLMConfig{
			Provider:    "anthropic",
			Model:       "claude-haiku-4-5",
			Temperature: 0.2,
			MaxTokens:   4096,
			MaxAttempts: 3,
		},
		Segmentation: config.SegmentationConfig{ExtractionBatchSize: 40, RefinementBatchSize: 50, Concurrency: 4},
	}
	return dir
}

func TestInitStore_SQLite(t *testing.T) {
	testConfig(t)

	st, err := openStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	_, err = st.GetRun(context.Background(), "missing")
	assert.Error(t, err)
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	testConfig(t)
	cfg.Store.Driver = "mysql"

	st, err := initStore(context.Background())
	assert.Nil(t, st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitEnv_FailsValidation(t *testing.T) {
	testConfig(t)

	env, err := initEnv(context.Background(), "segment", "")
	assert.Nil(t, env)
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrConfiguration)
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestInitEnv_Wires(t *testing.T) {
	dir := testConfig(t)
	cfg.Anthropic.Key = "sk-ant-test"
	path := filepath.Join(dir, "products.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,title,category\np1,Dome tent,outdoor\np2,Socks,apparel\n"), 0o644))

	env, err := initEnv(context.Background(), "segment", path)
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Orchestrator)
	assert.NotNil(t, env.Broker)
	assert.NotEmpty(t, env.Prompts.Names())
	products, err := env.Catalog.ProductsByIDs(context.Background(), []string{"p2"})
	require.NoError(t, err)
	assert.Equal(t, "Socks", products[0].Title)
}

func TestInitCatalog(t *testing.T) {
	dir := testConfig(t)
	ctx := context.Background()

	_, err := initCatalog(ctx, nil, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrConfiguration)

	path := filepath.Join(dir, "products.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"p1","title":"Dome tent"}]`), 0o644))
	cat, err := initCatalog(ctx, nil, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, cat.(idLister).IDs())

	st, err := openStore(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	cfg.Catalog.Driver = "postgres"
	_, err = initCatalog(ctx, st, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires store.driver postgres")

	cfg.Catalog.Driver = "s3"
	_, err = initCatalog(ctx, st, "")
	assert.ErrorIs(t, err, resilience.ErrConfiguration)
}

// newSegmentFlags returns a command carrying a fresh segment flag set.
func newSegmentFlags(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "segment"}
	registerSegmentFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestRunConfigFromFlags(t *testing.T) {
	testConfig(t)

	rc, err := runConfigFromFlags(newSegmentFlags(t))
	require.NoError(t, err)
	assert.Equal(t, cfg.RunConfig(), rc, "no flags keeps the configured defaults")

	rc, err = runConfigFromFlags(newSegmentFlags(t,
		"--model", "claude-sonnet-4-5",
		"--temperature", "0",
		"--extraction-batch-size", "10",
		"--refinement-batch-size", "20",
		"--concurrency", "2",
		"--category", "outdoor",
	))
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5", rc.Model)
	assert.InDelta(t, 0.0, rc.Temperature, 0.0001)
	assert.Equal(t, 10, rc.ExtractionBatchSize)
	assert.Equal(t, 20, rc.RefinementBatchSize)
	assert.Equal(t, 2, rc.Concurrency)
	assert.Equal(t, "outdoor", rc.Category)

	_, err = runConfigFromFlags(newSegmentFlags(t, "--concurrency", "65"))
	assert.ErrorIs(t, err, resilience.ErrInvalidInput)
}

func TestProductIDs(t *testing.T) {
	ctx := context.Background()
	mem := catalog.NewMemory(model.Product{ID: "p1", Title: "a"}, model.Product{ID: "p2", Title: "b"})

	ids, err := productIDs(ctx, newSegmentFlags(t, "--ids", "p2,p1"), mem)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p1"}, ids, "explicit ids win")

	ids, err = productIDs(ctx, newSegmentFlags(t), mem)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, ids, "catalog order")

	_, err = productIDs(ctx, newSegmentFlags(t), catalog.NewPostgres(nil, "products"))
	assert.ErrorIs(t, err, resilience.ErrInvalidInput)
}

func TestReadIDsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.txt")
	require.NoError(t, os.WriteFile(path, []byte("# hand picked\np1\n\n  p2  \np3,ignored\n"), 0o644))

	ids, err := readIDsFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3"}, ids)

	_, err = readIDsFile(context.Background(), filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestFormatRunResult(t *testing.T) {
	var buf bytes.Buffer
	formatRunResult(&buf, &model.Run{
		ID:            "run-1",
		Stage:         model.StageCompleted,
		TotalProducts: 3,
		CallsDone:     4,
		CallsTotal:    4,
		Summary: &model.RunSummary{
			SegmentCounts: []model.SegmentCount{{Name: "Tents", Products: 2}, {Name: "Stoves", Products: 0}},
			OutOfScope:    1,
			ModelCalls:    4,
			CacheHits:     1,
			EstimatedCost: 0.0123,
			DurationMs:    1500,
		},
	})
	out := buf.String()
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "Tents")
	assert.Contains(t, out, "Stoves")
	assert.Contains(t, out, "$0.0123")
	assert.Contains(t, out, "1.5s")
	assert.NotContains(t, out, "unresolved")

	buf.Reset()
	formatRunResult(&buf, &model.Run{ID: "run-2", Stage: model.StageFailed, Cancelled: true, FailedPhase: "refinement", FailedBatch: "ref-0002", LastError: "run cancelled"})
	out = buf.String()
	assert.Contains(t, out, "Cancelled")
	assert.Contains(t, out, "refinement ref-0002")
}

func TestVerifyArchive(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	blob, err := archive.NewFSBlob(root)
	require.NoError(t, err)
	arch := archive.New(blob)

	meta := model.InteractionMetadata{RunID: "run-1", Phase: model.PhaseSegmentation, BatchID: "seg-0001", Attempt: 1, CacheKey: "abc", Timestamp: time.Now()}
	ref, err := arch.Archive(ctx, meta, "prompt", "the-answer")
	require.NoError(t, err)
	_, err = arch.SnapshotPrompts(ctx, "run-1", map[string]string{"segmentation@v1": "body"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, verifyArchive(ctx, &buf, arch, "run-1"))
	assert.Contains(t, buf.String(), "2 records, 0 failed")

	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(ref)))
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte("the-answer"), []byte("an-edit"), 1)
	require.NoError(t, os.WriteFile(filepath.Join(root, filepath.FromSlash(ref)), tampered, 0o644))

	buf.Reset()
	err = verifyArchive(ctx, &buf, arch, "run-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrIntegrity)
	assert.Contains(t, buf.String(), "FAIL\t"+ref)
}

func TestIsSnapshotRef(t *testing.T) {
	assert.True(t, isSnapshotRef("run-1/prompts/20260101T000000.000000000Z_all_0_abc.json"))
	assert.False(t, isSnapshotRef("run-1/segmentation/20260101T000000.000000000Z_seg-0001_1_abc.json"))
}
