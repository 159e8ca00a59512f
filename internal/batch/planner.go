// Package batch partitions product and taxonomy lists into fixed-size batches
// and plans the leveled pairwise merge used by consolidation.
package batch

import (
	"fmt"
	"math/bits"

	"github.com/rotisserie/eris"

	"github.com/sells-group/segment-cli/internal/resilience"
)

// Batch is one contiguous slice of the planned input.
type Batch[T any] struct {
	Index int
	Items []T
}

// ID returns a stable, zero-padded batch label such as "seg-0003".
func (b Batch[T]) ID(prefix string) string {
	return fmt.Sprintf("%s-%04d", prefix, b.Index+1)
}

// PlanBatches partitions ids into consecutive batches of at most size items.
// The concatenation of the returned batches equals ids. The result is
// deterministic for identical inputs.
func PlanBatches[T any](ids []T, size int) ([]Batch[T], error) {
	if len(ids) == 0 {
		return nil, eris.Wrap(resilience.ErrInvalidInput, "batch: empty id list")
	}
	if size <= 0 {
		return nil, eris.Wrapf(resilience.ErrInvalidInput, "batch: non-positive batch size %d", size)
	}

	n := (len(ids) + size - 1) / size
	out := make([]Batch[T], 0, n)
	for i := 0; i < n; i++ {
		lo := i * size
		hi := min(lo+size, len(ids))
		items := make([]T, hi-lo)
		copy(items, ids[lo:hi])
		out = append(out, Batch[T]{Index: i, Items: items})
	}
	return out, nil
}

// PlanConsolidationLevels returns ceil(log2(n0)), or 0 when n0 <= 1 and
// consolidation is skipped.
func PlanConsolidationLevels(n0 int) int {
	if n0 <= 1 {
		return 0
	}
	return bits.Len(uint(n0 - 1))
}
