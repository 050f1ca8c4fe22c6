package telemetry

import (
	"testing"
	"time"
)

func TestPerfCollector_BasicTiming(t *testing.T) {
	pc := NewPerfCollector(10)

	// Simulate a few steps
	for i := 0; i < 5; i++ {
		pc.StartStep()
		pc.StartPhase(PhaseGrow)
		time.Sleep(100 * time.Microsecond)
		pc.StartPhase(PhaseReindex)
		time.Sleep(200 * time.Microsecond)
		pc.EndStep()
	}

	stats := pc.Stats()

	if stats.AvgStepDuration <= 0 {
		t.Error("expected positive average step duration")
	}
	if pc.Samples() != 5 {
		t.Errorf("expected 5 samples, got %d", pc.Samples())
	}
	if _, ok := stats.PhaseAvg[PhaseGrow]; !ok {
		t.Error("expected grow phase to be tracked")
	}
	if _, ok := stats.PhaseAvg[PhaseReindex]; !ok {
		t.Error("expected reindex phase to be tracked")
	}
}

func TestPerfCollector_RollingWindow(t *testing.T) {
	pc := NewPerfCollector(5) // Small window

	for i := 0; i < 10; i++ {
		pc.StartStep()
		pc.StartPhase(PhasePeriodic)
		pc.EndStep()
	}

	if pc.Samples() != 5 {
		t.Errorf("expected window to cap samples at 5, got %d", pc.Samples())
	}

	stats := pc.Stats()
	if stats.AvgStepDuration <= 0 {
		t.Error("expected positive average step duration after window filled")
	}
	if stats.StepsPerSecond <= 0 {
		t.Error("expected positive steps per second")
	}
}

func TestPerfCollector_PhasePercentages(t *testing.T) {
	pc := NewPerfCollector(10)

	// Simulate with uneven phase durations
	for i := 0; i < 5; i++ {
		pc.StartStep()
		pc.StartPhase(PhaseIntegrate)
		time.Sleep(10 * time.Microsecond)
		pc.StartPhase(PhaseForces)
		time.Sleep(2 * time.Millisecond)
		pc.EndStep()
	}

	stats := pc.Stats()

	fastPct := stats.PhasePct[PhaseIntegrate]
	slowPct := stats.PhasePct[PhaseForces]
	if slowPct <= fastPct {
		t.Errorf("expected forces phase (%v%%) > integrate phase (%v%%)", slowPct, fastPct)
	}

	row := stats.ToCSV(42)
	if row.WindowEnd != 42 || row.ForcesPct != slowPct {
		t.Errorf("unexpected csv row %+v", row)
	}
}

func TestPerfCollector_EmptyStats(t *testing.T) {
	pc := NewPerfCollector(10)

	stats := pc.Stats()

	// Empty collector should return zero values without panicking
	if stats.AvgStepDuration != 0 {
		t.Error("expected zero avg step duration for empty collector")
	}
	if stats.PhaseAvg == nil {
		t.Error("expected non-nil PhaseAvg map")
	}
	if stats.PhasePct == nil {
		t.Error("expected non-nil PhasePct map")
	}
}

func TestPerfCollector_UnknownPhaseIgnored(t *testing.T) {
	pc := NewPerfCollector(4)
	pc.StartStep()
	pc.StartPhase("committed")
	time.Sleep(50 * time.Microsecond)
	pc.StartPhase(PhaseOutput)
	time.Sleep(50 * time.Microsecond)
	pc.EndStep()

	stats := pc.Stats()
	if len(stats.PhaseAvg) != 1 {
		t.Errorf("expected only the output phase, got %v", stats.PhaseAvg)
	}
	if stats.PhasePct[PhaseOutput] <= 0 || stats.PhasePct[PhaseOutput] > 100 {
		t.Errorf("output share out of range: %v", stats.PhasePct[PhaseOutput])
	}
}
