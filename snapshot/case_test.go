package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pthm-cable/sphgrow/particles"
)

func TestCase_Check(t *testing.T) {
	c := &Case{Counts: Counts{Fixed: 2, Fluid: 10}, Periodic: 1}

	tests := []struct {
		name     string
		expected Counts
		mask     uint8
		periodic int
		wantErr  bool
	}{
		{"match", Counts{Fixed: 2, Fluid: 10}, 1, 1, false},
		{"count mismatch", Counts{Fixed: 2, Fluid: 11}, 1, 1, true},
		{"periodic mismatch", Counts{Fixed: 2, Fluid: 10}, 3, 1, true},
		{"periodic unknown", Counts{Fixed: 2, Fluid: 10}, 3, PeriodicUnknown, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c.Periodic = tc.periodic
			err := c.Check(tc.expected, tc.mask)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrConfigMismatch)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCase_Limits(t *testing.T) {
	c := &Case{Records: []particles.Record{
		{Pos: particles.Vec3{X: 1, Y: 2, Z: 3}},
		{Pos: particles.Vec3{X: -1, Y: 5, Z: 0}},
	}}
	lo, hi := c.Bounds()
	assert.Equal(t, particles.Vec3{X: -1, Y: 2, Z: 0}, lo)
	assert.Equal(t, particles.Vec3{X: 1, Y: 5, Z: 3}, hi)

	lo, hi = c.Limits(0.5, 0.25, 1)
	assert.Equal(t, particles.Vec3{X: -1.25, Y: 1.5, Z: -0.5}, lo)
	assert.Equal(t, particles.Vec3{X: 1.25, Y: 5.5, Z: 3.5}, hi)

	assert.False(t, c.HasMap())
	c.MapMax = particles.Vec3{X: 1}
	assert.True(t, c.HasMap())
}
