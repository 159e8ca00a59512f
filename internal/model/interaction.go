package model

import "time"

// InteractionOutcome records how an archived exchange ended.
type InteractionOutcome string

const (
	OutcomeAccepted InteractionOutcome = "accepted"
	OutcomeInvalid  InteractionOutcome = "invalid"
)

// InteractionIndex is the relational pointer to an archived interaction.
type InteractionIndex struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Phase      Phase     `json:"phase"`
	BatchID    string    `json:"batch_id"`
	Attempt    int       `json:"attempt"`
	ArchiveRef string    `json:"archive_ref"`
	CacheKey   string    `json:"cache_key"`
	CacheHit   bool      `json:"cache_hit"`
	CreatedAt  time.Time `json:"created_at"`
}

// InteractionMetadata describes one model call.
type InteractionMetadata struct {
	RunID        string             `json:"run_id"`
	Phase        Phase              `json:"phase"`
	BatchID      string             `json:"batch_id"`
	Attempt      int                `json:"attempt"`
	Model        string             `json:"model"`
	Temperature  float64            `json:"temperature"`
	Timestamp    time.Time          `json:"timestamp"`
	CacheKey     string             `json:"cache_key"`
	DurationMs   int64              `json:"duration_ms"`
	InputTokens  int64              `json:"input_tokens"`
	OutputTokens int64              `json:"output_tokens"`
	CostUSD      float64            `json:"cost_usd"`
	Outcome      InteractionOutcome `json:"outcome"`
}

// ArchivedInteraction is the raw record persisted outside the relational store.
type ArchivedInteraction struct {
	Metadata InteractionMetadata `json:"metadata"`
	Prompt   string              `json:"prompt"`
	Response string              `json:"response"`
	Checksum string              `json:"checksum"`
}

// CachedResponse is a response cache entry keyed by fingerprint.
type CachedResponse struct {
	Fingerprint string    `json:"fingerprint"`
	Phase       Phase     `json:"phase"`
	Model       string    `json:"model"`
	Response    string    `json:"response"`
	ArchiveRef  string    `json:"archive_ref"`
	CreatedAt   time.Time `json:"created_at"`
}
