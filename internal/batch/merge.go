package batch

// Pair is one merge call at a level: positions Left and Right of the level's
// input list produce position Out of the next level's list.
type Pair struct {
	Left  int
	Right int
	Out   int
}

// Level describes one round of pairwise merging.
type Level struct {
	Number int // 0-based
	Width  int // number of batches entering the level
	Pairs  []Pair

	// Carry is the position of the odd batch passed unchanged to the next
	// level, or -1. Adjacent pairing leaves at most one leftover per level,
	// and it always lands at the end of the next level's list.
	Carry    int
	CarryOut int
}

// MergePlan is the full leveled pairing for n0 leaf batches.
type MergePlan struct {
	Leaves int
	Levels []Level
}

// PlanMerges builds the merge plan for n0 leaf batches. Each level pairs
// adjacent batches (0,1), (2,3), ...; an odd leftover is carried forward
// without a call. The plan terminates when one batch remains, after exactly
// PlanConsolidationLevels(n0) levels.
func PlanMerges(n0 int) MergePlan {
	plan := MergePlan{Leaves: n0}
	width := n0
	for level := 0; width > 1; level++ {
		l := Level{Number: level, Width: width, Carry: -1, CarryOut: -1}
		for i := 0; i+1 < width; i += 2 {
			l.Pairs = append(l.Pairs, Pair{Left: i, Right: i + 1, Out: i / 2})
		}
		next := len(l.Pairs)
		if width%2 == 1 {
			l.Carry = width - 1
			l.CarryOut = next
			next++
		}
		plan.Levels = append(plan.Levels, l)
		width = next
	}
	return plan
}

// Calls returns the number of merge calls the plan performs. This is n0-1
// for n0 >= 1, and equals 2^x-1 only when n0 is a power of two.
func (p MergePlan) Calls() int {
	total := 0
	for _, l := range p.Levels {
		total += len(l.Pairs)
	}
	return total
}

// Depth returns the number of levels.
func (p MergePlan) Depth() int {
	return len(p.Levels)
}
