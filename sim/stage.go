package sim

import "github.com/pthm-cable/sphgrow/telemetry"

// Stage is the position of a simulation step in its state machine.
type Stage uint8

const (
	StageComputeForces Stage = iota
	StageIntegrate
	StageGrow
	StagePeriodic
	StageReindex
	StageCommitted
)

func (s Stage) String() string {
	switch s {
	case StageComputeForces:
		return telemetry.PhaseForces
	case StageIntegrate:
		return telemetry.PhaseIntegrate
	case StageGrow:
		return telemetry.PhaseGrow
	case StagePeriodic:
		return telemetry.PhasePeriodic
	case StageReindex:
		return telemetry.PhaseReindex
	case StageCommitted:
		return "committed"
	}
	return "unknown"
}
