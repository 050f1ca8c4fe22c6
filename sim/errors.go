package sim

import (
	"errors"
	"fmt"

	"github.com/pthm-cable/sphgrow/particles"
	"github.com/pthm-cable/sphgrow/snapshot"
)

var (
	// ErrBoundaryExclusion is fatal: a fixed, moving or floating particle left the domain.
	ErrBoundaryExclusion = errors.New("boundary particles left the domain")
	// ErrPopulationCollapse ends a run cleanly when too many particles have left.
	ErrPopulationCollapse = errors.New("particle population collapsed")

	ErrConfigMismatch        = snapshot.ErrConfigMismatch
	ErrOutOfMemory           = particles.ErrOutOfMemory
	ErrParticleCountOverflow = particles.ErrParticleCountOverflow
)

// ExclusionError carries the boundary particles excluded at a step.
type ExclusionError struct {
	Step    uint64
	Time    float64
	Records []particles.Record
}

func (e *ExclusionError) Error() string {
	return fmt.Sprintf("step %d (t=%g): %d boundary particles excluded", e.Step, e.Time, len(e.Records))
}

func (e *ExclusionError) Unwrap() error { return ErrBoundaryExclusion }
