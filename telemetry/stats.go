package telemetry

import (
	"log/slog"
	"sort"
)

// StepStats is the per-step record written to steps.csv.
type StepStats struct {
	Step uint64  `csv:"step"`
	Time float64 `csv:"time"`

	// Population counts after the reindex
	Np       int `csv:"np"`
	Npb      int `csv:"npb"`
	NpbGhost int `csv:"npb_ghost"`
	NpfGhost int `csv:"npf_ghost"`
	Real     int `csv:"real"`

	// Events during the step
	Splits   int `csv:"splits"`
	FluidOut int `csv:"fluid_out"`
	Retired  int `csv:"ghosts_retired"`

	// Storage
	Cap   int `csv:"cap"`
	Grows int `csv:"grows"`

	// Mass distribution over real fluid particles
	MassMean float64 `csv:"mass_mean"`
	MassP10  float64 `csv:"mass_p10"`
	MassP50  float64 `csv:"mass_p50"`
	MassP90  float64 `csv:"mass_p90"`
	MassSum  float64 `csv:"mass_sum"`
}

// Percentile calculates the p-th percentile of a sorted slice.
// p should be in [0, 1]. Returns 0 if slice is empty.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}

	// Linear interpolation
	idx := p * float64(n-1)
	lo := int(idx)
	hi := lo + 1
	if hi >= n {
		return sorted[n-1]
	}

	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// ComputeMassStats fills the mass columns of s from the given particle masses.
func (s *StepStats) ComputeMassStats(masses []float32) {
	n := len(masses)
	if n == 0 {
		s.MassMean, s.MassP10, s.MassP50, s.MassP90, s.MassSum = 0, 0, 0, 0, 0
		return
	}

	sorted := make([]float64, n)
	var sum float64
	for i, m := range masses {
		sorted[i] = float64(m)
		sum += float64(m)
	}
	sort.Float64s(sorted)

	s.MassSum = sum
	s.MassMean = sum / float64(n)
	s.MassP10 = Percentile(sorted, 0.10)
	s.MassP50 = Percentile(sorted, 0.50)
	s.MassP90 = Percentile(sorted, 0.90)
}

// LogValue implements slog.LogValuer for structured logging.
func (s StepStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("step", s.Step),
		slog.Float64("time", s.Time),
		slog.Int("np", s.Np),
		slog.Int("npb", s.Npb),
		slog.Int("npb_ghost", s.NpbGhost),
		slog.Int("npf_ghost", s.NpfGhost),
		slog.Int("real", s.Real),
		slog.Int("splits", s.Splits),
		slog.Int("fluid_out", s.FluidOut),
		slog.Int("cap", s.Cap),
		slog.Int("grows", s.Grows),
		slog.Float64("mass_p50", s.MassP50),
	)
}

// LogStats logs the step stats using slog.
func (s StepStats) LogStats() {
	slog.Info("step",
		"step", s.Step,
		"time", s.Time,
		"np", s.Np,
		"real", s.Real,
		"ghosts", s.NpbGhost+s.NpfGhost,
		"splits", s.Splits,
		"fluid_out", s.FluidOut,
		"cap", s.Cap,
		"mass_mean", s.MassMean,
		"mass_p10", s.MassP10,
		"mass_p90", s.MassP90,
	)
}
