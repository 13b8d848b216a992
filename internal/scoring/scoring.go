// Package scoring computes a chunk's push-priority score. Pure functions,
// recomputed whenever their inputs change; callers never trust a stale cache.
package scoring

import (
	"math"
	"time"

	"github.com/notekeep/retain/internal/model"
)

// boostSteepness controls how fast the due boost saturates, in 1/days.
// At half a day overdue the boost is already above 3.8.
const boostSteepness = 6.0

// hoursPerDay converts elapsed time to the day scale the boost curve uses.
const hoursPerDay = 24.0

// ImportanceWeight maps an importance level to its score contribution:
// high 2, medium 1, low 0. Unknown levels score as medium.
func ImportanceWeight(level model.Importance) float64 {
	switch level {
	case model.ImportanceHigh:
		return 2
	case model.ImportanceLow:
		return 0
	default:
		return 1
	}
}

// DueBoost is a logistic bonus rewarding overdue chunks: 0 in the far future,
// exactly 2 at the due instant, approaching 4 once a chunk is overdue by
// about half a day. A zero dueAt yields no boost.
func DueBoost(dueAt time.Time, now time.Time) float64 {
	if dueAt.IsZero() {
		return 0
	}
	overdueDays := now.Sub(dueAt).Hours() / hoursPerDay
	return 4 / (1 + math.Exp(-boostSteepness*overdueDays))
}

// ChunkScore is the push priority of a chunk at the given time:
// importance weight + unfamiliarity + due boost.
func ChunkScore(c model.Chunk, now time.Time) float64 {
	return ImportanceWeight(c.Importance) + (1 - c.FamiliarScore) + DueBoost(c.DueAt, now)
}
