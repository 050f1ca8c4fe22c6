package telemetry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
	"github.com/google/uuid"

	"github.com/pthm-cable/sphgrow/config"
	"github.com/pthm-cable/sphgrow/particles"
)

// ExcludedRow is one excluded particle in excluded.csv.
type ExcludedRow struct {
	Step uint64  `csv:"step"`
	Time float64 `csv:"time"`
	ID   uint32  `csv:"id"`
	Type string  `csv:"type"`
	X    float64 `csv:"x"`
	Y    float64 `csv:"y"`
	Z    float64 `csv:"z"`
	VX   float32 `csv:"vx"`
	VY   float32 `csv:"vy"`
	VZ   float32 `csv:"vz"`
	Rho  float32 `csv:"rho"`
	Mass float32 `csv:"mass"`
}

// csvFile appends gocsv records, writing the header only once.
type csvFile struct {
	f             *os.File
	headerWritten bool
}

func (c *csvFile) write(records any) error {
	if !c.headerWritten {
		// First write includes headers
		if err := gocsv.Marshal(records, c.f); err != nil {
			return err
		}
		c.headerWritten = true
		return nil
	}
	return gocsv.MarshalWithoutHeaders(records, c.f)
}

// OutputManager handles structured run output with CSV logging.
// A nil *OutputManager is valid and discards everything.
type OutputManager struct {
	dir   string
	runID string

	steps    *csvFile
	perf     *csvFile
	excluded *csvFile
}

// NewOutputManager creates <dir>/<runID> and opens the CSV files in it.
// An empty runID gets a fresh time-ordered UUID.
// Returns nil if dir is empty (output disabled).
func NewOutputManager(dir, runID string) (*OutputManager, error) {
	if dir == "" {
		return nil, nil
	}
	if runID == "" {
		runID = uuid.Must(uuid.NewV7()).String()
	}

	runDir := filepath.Join(dir, runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	om := &OutputManager{dir: runDir, runID: runID}
	for _, f := range []struct {
		name string
		dst  **csvFile
	}{
		{"steps.csv", &om.steps},
		{"perf.csv", &om.perf},
		{"excluded.csv", &om.excluded},
	} {
		fh, err := os.Create(filepath.Join(runDir, f.name))
		if err != nil {
			om.Close()
			return nil, fmt.Errorf("creating %s: %w", f.name, err)
		}
		*f.dst = &csvFile{f: fh}
	}

	return om, nil
}

// WriteConfig saves the configuration used for the run as YAML.
func (om *OutputManager) WriteConfig(cfg *config.Config) error {
	if om == nil {
		return nil
	}
	return cfg.WriteYAML(filepath.Join(om.dir, "config.yaml"))
}

// WriteStep writes a step record to steps.csv.
func (om *OutputManager) WriteStep(stats StepStats) error {
	if om == nil {
		return nil
	}
	if err := om.steps.write([]StepStats{stats}); err != nil {
		return fmt.Errorf("writing step: %w", err)
	}
	return nil
}

// WritePerf writes a performance stats record to perf.csv.
func (om *OutputManager) WritePerf(stats PerfStats, windowEnd uint64) error {
	if om == nil {
		return nil
	}
	if err := om.perf.write([]PerfStatsCSV{stats.ToCSV(windowEnd)}); err != nil {
		return fmt.Errorf("writing perf: %w", err)
	}
	return nil
}

// WriteExcluded appends the records of particles excluded at the given step.
func (om *OutputManager) WriteExcluded(step uint64, t float64, recs []particles.Record) error {
	if om == nil || len(recs) == 0 {
		return nil
	}
	rows := make([]ExcludedRow, len(recs))
	for i, r := range recs {
		rows[i] = ExcludedRow{
			Step: step,
			Time: t,
			ID:   r.ID,
			Type: r.Code.Base().String(),
			X:    r.Pos.X,
			Y:    r.Pos.Y,
			Z:    r.Pos.Z,
			VX:   r.Velrhop.X,
			VY:   r.Velrhop.Y,
			VZ:   r.Velrhop.Z,
			Rho:  r.Velrhop.W,
			Mass: r.Mass,
		}
	}
	if err := om.excluded.write(rows); err != nil {
		return fmt.Errorf("writing excluded: %w", err)
	}
	return nil
}

// Dir returns the run output directory path.
func (om *OutputManager) Dir() string {
	if om == nil {
		return ""
	}
	return om.dir
}

// RunID returns the identifier of this run.
func (om *OutputManager) RunID() string {
	if om == nil {
		return ""
	}
	return om.runID
}

// Close flushes and closes all output files.
func (om *OutputManager) Close() error {
	if om == nil {
		return nil
	}

	var firstErr error
	for _, c := range []*csvFile{om.steps, om.perf, om.excluded} {
		if c == nil || c.f == nil {
			continue
		}
		if err := c.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
