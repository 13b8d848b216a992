// Package sm2 implements the SM2-derived review recurrence: ease factor,
// repetition count and interval updates from a 0–5 grade, stretched by chunk
// importance. All functions are pure and deterministic.
package sm2

import (
	"math"

	"github.com/notekeep/retain/internal/model"
)

const (
	// MinEF is the lower bound on the ease factor.
	MinEF = 1.3
	// InitialEF is the ease factor assigned to a brand-new chunk.
	InitialEF = 2.5

	// firstInterval and secondInterval are the fixed base intervals (in
	// days, before importance scaling) for the first and second successful
	// reviews after a reset.
	firstInterval  = 1.0
	secondInterval = 6.0

	// familiarBlend is the weight given to the prior familiar score when
	// blending in a new grade signal.
	familiarBlend = 0.7
)

// State is the scheduling state consumed and produced by Update.
type State struct {
	EF           float64
	Repetitions  int
	IntervalDays int
}

// Multiplier maps an importance level to an interval multiplier.
// High-importance chunks get longer intervals than low-importance ones at the
// same recall quality. Unknown levels fall back to medium.
func Multiplier(level model.Importance) float64 {
	switch level {
	case model.ImportanceLow:
		return 0.7
	case model.ImportanceHigh:
		return 1.3
	default:
		return 1.0
	}
}

// InitialInterval returns the importance-scaled first interval in days,
// never below 1.
func InitialInterval(level model.Importance) int {
	return clampDays(math.Round(firstInterval * Multiplier(level)))
}

// Update applies one graded review to the prior state and returns the next
// state. Grades below 3 reset the repetition streak and fall back to the
// initial interval; passing grades advance the streak and grow the interval
// (1 day, then 6 days, then previous × EF, all importance-scaled).
func Update(grade model.Grade, prior State, level model.Importance) State {
	next := State{
		EF: nextEF(prior.EF, grade),
	}

	if !grade.Passing() {
		next.Repetitions = 0
		next.IntervalDays = InitialInterval(level)
		return next
	}

	next.Repetitions = prior.Repetitions + 1
	mult := Multiplier(level)
	switch next.Repetitions {
	case 1:
		next.IntervalDays = clampDays(math.Round(firstInterval * mult))
	case 2:
		next.IntervalDays = clampDays(math.Round(secondInterval * mult))
	default:
		// Previous interval × new EF, then the importance stretch,
		// rounded last.
		next.IntervalDays = clampDays(math.Round(float64(prior.IntervalDays) * next.EF * mult))
	}
	return next
}

// FamiliarScore blends the previous mastery estimate with a grade-derived
// signal and clamps the result to [0, 1].
func FamiliarScore(previous float64, grade model.Grade) float64 {
	signal := float64(grade) / 5.0
	return clamp01(familiarBlend*previous + (1-familiarBlend)*signal)
}

// nextEF applies the classic SM2 ease correction:
// ef' = ef + (0.1 − (5−g)(0.08 + (5−g)·0.02)), floored at MinEF.
// For g < 3 the correction is always negative, so a failed recall never
// raises the ease factor.
func nextEF(ef float64, grade model.Grade) float64 {
	q := float64(grade)
	next := ef + (0.1 - (5-q)*(0.08+(5-q)*0.02))
	return math.Max(next, MinEF)
}

func clampDays(d float64) int {
	if d < 1 {
		return 1
	}
	return int(d)
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}
