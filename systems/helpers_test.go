package systems

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pthm-cable/sphgrow/particles"
)

func fluidAt(id uint32, x, y, z float64) particles.Record {
	return particles.Record{
		ID:      id,
		Code:    particles.TypeFluid,
		Pos:     particles.Vec3{X: x, Y: y, Z: z},
		Velrhop: particles.Vec4{W: 1000},
		Mass:    1,
	}
}

func boundAt(id uint32, x, y, z float64) particles.Record {
	r := fluidAt(id, x, y, z)
	r.Code = particles.TypeFixed
	return r
}

func loadStore(t *testing.T, recs []particles.Record, npb int) *particles.Store {
	t.Helper()
	s := particles.NewStore()
	require.NoError(t, s.Load(recs, npb, 0))
	return s
}

func mustGrid(t *testing.T, d Domain, cell float64) Grid {
	t.Helper()
	g, err := NewGrid(d, cell)
	require.NoError(t, err)
	return g
}

func box(x0, y0, z0, x1, y1, z1 float64) Domain {
	return Domain{Min: particles.Vec3{X: x0, Y: y0, Z: z0}, Max: particles.Vec3{X: x1, Y: y1, Z: z1}}
}

func growInto(s *particles.Store, calls *int) CapacityService {
	return CapacityFunc(func(required int) error {
		*calls++
		return s.EnsureCapacity(required, 0.1)
	})
}

// recordsByID returns every live non-ghost record keyed by id.
func recordsByID(s *particles.Store) map[uint32]particles.Record {
	m := make(map[uint32]particles.Record, s.Np())
	for p := 0; p < s.Np(); p++ {
		r := s.Record(p)
		if r.Code.IsNormal() {
			m[r.ID] = r
		}
	}
	return m
}
