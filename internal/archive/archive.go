// Package archive persists raw model interactions outside the relational
// store. Records are checksummed on write and verified on every read.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/resilience"
)

const (
	checksumPrefix  = "sha256:"
	timestampLayout = "20060102T150405.000000000Z"

	// PromptsDir is the per-run container holding the template snapshot.
	PromptsDir = "prompts"
)

// Archive writes and verifies interaction records on a Blob.
type Archive struct {
	blob Blob
	now  func() time.Time
}

// New returns an Archive over blob.
func New(blob Blob) *Archive {
	return &Archive{blob: blob, now: func() time.Time { return time.Now().UTC() }}
}

// Ref builds the stable layout
// <run>/<phase>/<timestamp>_<batchOrAll>_<attempt>_<fingerprint>.json.
func Ref(runID string, phase string, ts time.Time, batchID string, attempt int, fingerprint string) string {
	if batchID == "" {
		batchID = "all"
	}
	if fingerprint == "" {
		fingerprint = "nofp"
	}
	name := fmt.Sprintf("%s_%s_%d_%s.json", ts.UTC().Format(timestampLayout), batchID, attempt, fingerprint)
	return strings.Join([]string{runID, phase, name}, "/")
}

type checksummed struct {
	Metadata model.InteractionMetadata `json:"metadata"`
	Prompt   string                    `json:"prompt"`
	Response string                    `json:"response"`
}

// Checksum returns "sha256:<hex>" over the canonical encoding of the record body.
func Checksum(meta model.InteractionMetadata, prompt, response string) (string, error) {
	b, err := json.Marshal(checksummed{Metadata: meta, Prompt: prompt, Response: response})
	if err != nil {
		return "", eris.Wrap(err, "archive: encode record")
	}
	sum := sha256.Sum256(b)
	return checksumPrefix + hex.EncodeToString(sum[:]), nil
}

// Archive persists one exchange and returns its reference.
func (a *Archive) Archive(ctx context.Context, meta model.InteractionMetadata, prompt, response string) (string, error) {
	if meta.RunID == "" || meta.Phase == "" {
		return "", eris.Wrap(resilience.ErrInvalidInput, "archive: run id and phase are required")
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = a.now()
	}
	meta.Timestamp = meta.Timestamp.UTC()

	sum, err := Checksum(meta, prompt, response)
	if err != nil {
		return "", err
	}
	rec := model.ArchivedInteraction{Metadata: meta, Prompt: prompt, Response: response, Checksum: sum}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "archive: marshal record")
	}

	ref := Ref(meta.RunID, string(meta.Phase), meta.Timestamp, meta.BatchID, meta.Attempt, meta.CacheKey)
	if err := a.blob.Put(ctx, ref, data); err != nil {
		return "", err
	}

	zap.L().Debug("archive: interaction stored",
		zap.String("run_id", meta.RunID),
		zap.String("phase", string(meta.Phase)),
		zap.String("batch_id", meta.BatchID),
		zap.Int("attempt", meta.Attempt),
		zap.String("ref", ref),
	)
	return ref, nil
}

// Retrieve reads ref and verifies its checksum. A mismatch or an unreadable
// record wraps resilience.ErrIntegrity.
func (a *Archive) Retrieve(ctx context.Context, ref string) (*model.ArchivedInteraction, error) {
	data, err := a.blob.Get(ctx, ref)
	if err != nil {
		return nil, err
	}

	var rec model.ArchivedInteraction
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, eris.Wrapf(resilience.ErrIntegrity, "archive: %s is not a valid record: %v", ref, err)
	}
	want, err := Checksum(rec.Metadata, rec.Prompt, rec.Response)
	if err != nil {
		return nil, err
	}
	if rec.Checksum != want {
		return nil, eris.Wrapf(resilience.ErrIntegrity, "archive: checksum mismatch for %s", ref)
	}
	return &rec, nil
}

// List returns every interaction ref of a run, optionally narrowed to a phase.
func (a *Archive) List(ctx context.Context, runID string, phase model.Phase) ([]string, error) {
	prefix := runID
	if phase != "" {
		prefix += "/" + string(phase)
	}
	return a.blob.List(ctx, prefix)
}

// PromptSnapshot is the set of templates a run was started with.
type PromptSnapshot struct {
	RunID     string            `json:"run_id"`
	TakenAt   time.Time         `json:"taken_at"`
	Templates map[string]string `json:"templates"` // name@version -> body
	Checksum  string            `json:"checksum"`
}

func snapshotChecksum(templates map[string]string) (string, error) {
	// encoding/json sorts map keys.
	b, err := json.Marshal(templates)
	if err != nil {
		return "", eris.Wrap(err, "archive: encode prompt snapshot")
	}
	sum := sha256.Sum256(b)
	return checksumPrefix + hex.EncodeToString(sum[:]), nil
}

// SnapshotPrompts writes the run's template set under <run>/prompts/.
func (a *Archive) SnapshotPrompts(ctx context.Context, runID string, templates map[string]string) (string, error) {
	sum, err := snapshotChecksum(templates)
	if err != nil {
		return "", err
	}
	snap := PromptSnapshot{RunID: runID, TakenAt: a.now(), Templates: templates, Checksum: sum}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "archive: marshal prompt snapshot")
	}

	ref := Ref(runID, PromptsDir, snap.TakenAt, "", 0, strings.TrimPrefix(sum, checksumPrefix)[:16])
	if err := a.blob.Put(ctx, ref, data); err != nil {
		return "", err
	}
	return ref, nil
}

// RetrieveSnapshot reads and verifies a prompt snapshot.
func (a *Archive) RetrieveSnapshot(ctx context.Context, ref string) (*PromptSnapshot, error) {
	data, err := a.blob.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	var snap PromptSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, eris.Wrapf(resilience.ErrIntegrity, "archive: %s is not a valid snapshot: %v", ref, err)
	}
	want, err := snapshotChecksum(snap.Templates)
	if err != nil {
		return nil, err
	}
	if snap.Checksum != want {
		return nil, eris.Wrapf(resilience.ErrIntegrity, "archive: checksum mismatch for %s", ref)
	}
	return &snap, nil
}
