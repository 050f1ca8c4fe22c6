package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/pthm-cable/sphgrow/particles"
)

// csvParticle is one row of a CSV case file. Only id, type and x/y/z are
// required; missing columns take their zero value.
type csvParticle struct {
	ID         uint32  `csv:"id"`
	Type       string  `csv:"type"`
	X          float64 `csv:"x"`
	Y          float64 `csv:"y"`
	Z          float64 `csv:"z"`
	VX         float32 `csv:"vx"`
	VY         float32 `csv:"vy"`
	VZ         float32 `csv:"vz"`
	Rho        float32 `csv:"rho"`
	Mass       float32 `csv:"mass"`
	Vol        float32 `csv:"vol"`
	QXX        float32 `csv:"qxx"`
	QXY        float32 `csv:"qxy"`
	QXZ        float32 `csv:"qxz"`
	QYY        float32 `csv:"qyy"`
	QYZ        float32 `csv:"qyz"`
	QZZ        float32 `csv:"qzz"`
	Generation uint32  `csv:"generation"`
}

// ParseType maps a type name to its base TypeCode.
func ParseType(name string) (particles.TypeCode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "fixed", "bound":
		return particles.TypeFixed, nil
	case "moving":
		return particles.TypeMoving, nil
	case "floating":
		return particles.TypeFloating, nil
	case "fluid", "":
		return particles.TypeFluid, nil
	}
	return 0, fmt.Errorf("unknown particle type %q", name)
}

// CSVLoader reads a case from a CSV file.
type CSVLoader struct {
	Path string

	// Rho0 is used for particles without density, and to derive mass from volume.
	Rho0 float64
	// Dp is the initial particle spacing. Missing mass defaults to Rho0*Dp^3 and
	// a missing shape tensor to the isotropic 4/Dp^2.
	Dp float64

	SinglePrecision bool
	Simulate2D      bool
}

// Load implements Loader.
func (l CSVLoader) Load(ctx context.Context) (*Case, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("opening case: %w", err)
	}
	defer f.Close()

	c, err := l.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", l.Path, err)
	}
	c.Name = strings.TrimSuffix(filepath.Base(l.Path), filepath.Ext(l.Path))
	return c, nil
}

// Read parses CSV rows from r.
func (l CSVLoader) Read(r io.Reader) (*Case, error) {
	var rows []csvParticle
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("parsing csv: %w", err)
	}

	c := &Case{
		Records:    make([]particles.Record, 0, len(rows)),
		Periodic:   PeriodicUnknown,
		Dp:         l.Dp,
		Simulate2D: l.Simulate2D,
	}
	seen := make(map[uint32]struct{}, len(rows))
	for i, row := range rows {
		code, err := ParseType(row.Type)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		if _, dup := seen[row.ID]; dup {
			return nil, fmt.Errorf("row %d: duplicate id %d", i+1, row.ID)
		}
		seen[row.ID] = struct{}{}
		c.Records = append(c.Records, l.record(row, code))
	}
	c.normalize()
	return c, nil
}

func (l CSVLoader) record(row csvParticle, code particles.TypeCode) particles.Record {
	pos := particles.Vec3{X: row.X, Y: row.Y, Z: row.Z}
	if l.SinglePrecision {
		pos = particles.Vec3{X: float64(float32(row.X)), Y: float64(float32(row.Y)), Z: float64(float32(row.Z))}
	}

	rho := row.Rho
	if rho == 0 {
		rho = float32(l.Rho0)
	}

	mass := row.Mass
	switch {
	case mass != 0:
	case row.Vol != 0:
		mass = row.Vol * rho
	default:
		mass = float32(l.Rho0 * l.Dp * l.Dp * l.Dp)
	}

	shape := particles.SymMatrix3{XX: row.QXX, XY: row.QXY, XZ: row.QXZ, YY: row.QYY, YZ: row.QYZ, ZZ: row.QZZ}
	if shape == (particles.SymMatrix3{}) && l.Dp > 0 {
		q := float32(4 / (l.Dp * l.Dp))
		shape = particles.SymMatrix3{XX: q, YY: q, ZZ: q}
	}

	return particles.Record{
		ID:         row.ID,
		Code:       code,
		Pos:        pos,
		Velrhop:    particles.Vec4{X: row.VX, Y: row.VY, Z: row.VZ, W: rho},
		Mass:       mass,
		Shape:      shape,
		Generation: row.Generation,
	}
}

// WriteCSV writes records in the format read by CSVLoader.
func WriteCSV(w io.Writer, recs []particles.Record) error {
	rows := make([]csvParticle, len(recs))
	for i, r := range recs {
		rows[i] = csvParticle{
			ID:         r.ID,
			Type:       r.Code.Base().String(),
			X:          r.Pos.X,
			Y:          r.Pos.Y,
			Z:          r.Pos.Z,
			VX:         r.Velrhop.X,
			VY:         r.Velrhop.Y,
			VZ:         r.Velrhop.Z,
			Rho:        r.Velrhop.W,
			Mass:       r.Mass,
			QXX:        r.Shape.XX,
			QXY:        r.Shape.XY,
			QXZ:        r.Shape.XZ,
			QYY:        r.Shape.YY,
			QYZ:        r.Shape.YZ,
			QZZ:        r.Shape.ZZ,
			Generation: r.Generation,
		}
	}
	return gocsv.Marshal(rows, w)
}
