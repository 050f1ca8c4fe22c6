package telemetry

import (
	"log/slog"
	"time"
)

// Phase names for the simulation step. They match the step stage names.
const (
	PhaseForces    = "compute_forces"
	PhaseIntegrate = "integrate"
	PhaseGrow      = "grow"
	PhasePeriodic  = "periodic"
	PhaseReindex   = "reindex"
	PhaseOutput    = "output"
)

// Phases lists every phase in step order.
var Phases = []string{PhaseForces, PhaseIntegrate, PhaseGrow, PhasePeriodic, PhaseReindex, PhaseOutput}

const numPhases = 6

func phaseIndex(name string) int {
	for i, p := range Phases {
		if p == name {
			return i
		}
	}
	return -1
}

// PerfSample holds timing data for a single step.
type PerfSample struct {
	StepDuration time.Duration
	Phases       [numPhases]time.Duration // indexed like Phases
}

// PerfCollector times the phases of each step and keeps the last
// windowSize samples in a ring.
type PerfCollector struct {
	ring  []PerfSample
	next  int
	count int

	cur        PerfSample
	stepStart  time.Time
	phaseStart time.Time
	phase      int // index into Phases, -1 when no phase is open
}

// NewPerfCollector creates a collector averaging over windowSize steps.
func NewPerfCollector(windowSize int) *PerfCollector {
	if windowSize < 1 {
		windowSize = 60
	}
	return &PerfCollector{ring: make([]PerfSample, windowSize), phase: -1}
}

// StartStep begins timing a new step.
func (p *PerfCollector) StartStep() {
	p.stepStart = time.Now()
	p.cur = PerfSample{}
	p.phase = -1
}

func (p *PerfCollector) closePhase(now time.Time) {
	if p.phase >= 0 {
		p.cur.Phases[p.phase] += now.Sub(p.phaseStart)
	}
}

// StartPhase closes the open phase and opens the named one. Names outside
// Phases stop phase accounting until the next StartPhase.
func (p *PerfCollector) StartPhase(name string) {
	now := time.Now()
	p.closePhase(now)
	p.phaseStart = now
	p.phase = phaseIndex(name)
}

// EndStep closes the open phase and records the sample.
func (p *PerfCollector) EndStep() {
	now := time.Now()
	p.closePhase(now)
	p.phase = -1
	p.cur.StepDuration = now.Sub(p.stepStart)

	p.ring[p.next] = p.cur
	p.next = (p.next + 1) % len(p.ring)
	p.count = min(p.count+1, len(p.ring))
}

// Samples returns the number of recorded steps in the window.
func (p *PerfCollector) Samples() int { return p.count }

// PerfStats holds aggregated performance statistics.
type PerfStats struct {
	AvgStepDuration time.Duration
	MinStepDuration time.Duration
	MaxStepDuration time.Duration

	// Average duration and share of step time per phase name.
	PhaseAvg map[string]time.Duration
	PhasePct map[string]float64

	StepsPerSecond float64
}

// Stats aggregates the current window.
func (p *PerfCollector) Stats() PerfStats {
	st := PerfStats{
		PhaseAvg: make(map[string]time.Duration, numPhases),
		PhasePct: make(map[string]float64, numPhases),
	}
	if p.count == 0 {
		return st
	}

	var total time.Duration
	var phases [numPhases]time.Duration
	for i, s := range p.ring[:p.count] {
		total += s.StepDuration
		if i == 0 || s.StepDuration < st.MinStepDuration {
			st.MinStepDuration = s.StepDuration
		}
		st.MaxStepDuration = max(st.MaxStepDuration, s.StepDuration)
		for k, d := range s.Phases {
			phases[k] += d
		}
	}

	n := time.Duration(p.count)
	st.AvgStepDuration = total / n
	for k, sum := range phases {
		if sum == 0 {
			continue
		}
		avg := sum / n
		st.PhaseAvg[Phases[k]] = avg
		if st.AvgStepDuration > 0 {
			st.PhasePct[Phases[k]] = 100 * float64(avg) / float64(st.AvgStepDuration)
		}
	}
	if st.AvgStepDuration > 0 {
		st.StepsPerSecond = float64(time.Second) / float64(st.AvgStepDuration)
	}
	return st
}

// LogStats logs the window at info level. Phases under 0.1% are omitted.
func (s PerfStats) LogStats() {
	attrs := []any{
		"avg_step_us", s.AvgStepDuration.Microseconds(),
		"min_step_us", s.MinStepDuration.Microseconds(),
		"max_step_us", s.MaxStepDuration.Microseconds(),
		"steps_per_sec", int(s.StepsPerSecond),
	}
	for _, phase := range Phases {
		if pct := s.PhasePct[phase]; pct > 0.1 {
			attrs = append(attrs, phase+"_pct", float64(int(pct*10))/10)
		}
	}
	slog.Info("perf", attrs...)
}

// LogValue implements slog.LogValuer.
func (s PerfStats) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int64("avg_step_us", s.AvgStepDuration.Microseconds()),
		slog.Float64("steps_per_sec", s.StepsPerSecond),
	}
	for _, phase := range Phases {
		if pct, ok := s.PhasePct[phase]; ok {
			attrs = append(attrs, slog.Float64(phase+"_pct", pct))
		}
	}
	return slog.GroupValue(attrs...)
}

// PerfStatsCSV is one row of perf.csv.
type PerfStatsCSV struct {
	WindowEnd    uint64  `csv:"window_end"`
	AvgStepUS    int64   `csv:"avg_step_us"`
	MinStepUS    int64   `csv:"min_step_us"`
	MaxStepUS    int64   `csv:"max_step_us"`
	StepsPerSec  float64 `csv:"steps_per_sec"`
	ForcesPct    float64 `csv:"compute_forces_pct"`
	IntegratePct float64 `csv:"integrate_pct"`
	GrowPct      float64 `csv:"grow_pct"`
	PeriodicPct  float64 `csv:"periodic_pct"`
	ReindexPct   float64 `csv:"reindex_pct"`
	OutputPct    float64 `csv:"output_pct"`
}

// ToCSV flattens the stats of the window ending at step windowEnd.
func (s PerfStats) ToCSV(windowEnd uint64) PerfStatsCSV {
	return PerfStatsCSV{
		WindowEnd:    windowEnd,
		AvgStepUS:    s.AvgStepDuration.Microseconds(),
		MinStepUS:    s.MinStepDuration.Microseconds(),
		MaxStepUS:    s.MaxStepDuration.Microseconds(),
		StepsPerSec:  s.StepsPerSecond,
		ForcesPct:    s.PhasePct[PhaseForces],
		IntegratePct: s.PhasePct[PhaseIntegrate],
		GrowPct:      s.PhasePct[PhaseGrow],
		PeriodicPct:  s.PhasePct[PhasePeriodic],
		ReindexPct:   s.PhasePct[PhaseReindex],
		OutputPct:    s.PhasePct[PhaseOutput],
	}
}
