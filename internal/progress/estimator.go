package progress

import (
	"math"
	"sync"

	"github.com/sells-group/segment-cli/internal/model"
)

// maxUnfinished is the highest percentage reported before Finish.
const maxUnfinished = 99.9

// TotalCalls returns the expected number of model calls for a run:
// segmentation batches, consolidation merges and refinement batches.
func TotalCalls(segmentation, merges, refinement int) int {
	return segmentation + merges + refinement
}

// Percent returns done/total as a percentage rounded to one decimal and
// capped at 99.9.
func Percent(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := math.Round(float64(done)/float64(total)*1000) / 10
	return math.Min(p, maxUnfinished)
}

// Estimator counts completed model calls for one run and publishes a progress
// event for each. It is safe for concurrent use by batch workers.
type Estimator struct {
	broker *Broker
	runID  string

	mu        sync.Mutex
	done      int
	total     int
	cacheHits int
	stage     model.Stage
	finished  bool
}

// NewEstimator creates an estimator for runID expecting total calls. A nil
// broker disables publishing.
func NewEstimator(broker *Broker, runID string, total int) *Estimator {
	return &Estimator{broker: broker, runID: runID, total: total, stage: model.StageInit}
}

// Resume seeds the counters from a persisted run.
func (e *Estimator) Resume(done int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.done = done
}

// Complete records one finished model call, counting it as a cache hit when
// hit is true, and returns the new percentage.
func (e *Estimator) Complete(hit bool) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.done++
	if hit {
		e.cacheHits++
	}
	return e.publishLocked()
}

// SetStage records a stage change and publishes it with the current percentage.
func (e *Estimator) SetStage(stage model.Stage) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stage = stage
	e.publishLocked()
}

// Finish publishes 100% for a completed run and closes the topic.
func (e *Estimator) Finish() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finished {
		return
	}
	e.finished = true
	e.stage = model.StageCompleted
	e.publish(100)
	if e.broker != nil {
		e.broker.Close(e.runID)
	}
}

// Abort publishes the final state of a failed run and closes the topic.
// The percentage stays where it was.
func (e *Estimator) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finished {
		return
	}
	e.finished = true
	e.stage = model.StageFailed
	e.publishLocked()
	if e.broker != nil {
		e.broker.Close(e.runID)
	}
}

// Snapshot returns the current counters.
func (e *Estimator) Snapshot() (done, total, cacheHits int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done, e.total, e.cacheHits
}

func (e *Estimator) publishLocked() float64 {
	p := Percent(e.done, e.total)
	e.publish(p)
	return p
}

func (e *Estimator) publish(percent float64) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(Event{
		RunID:      e.runID,
		Percent:    percent,
		CallsDone:  e.done,
		CallsTotal: e.total,
		CacheHits:  e.cacheHits,
		Stage:      e.stage,
	})
}
