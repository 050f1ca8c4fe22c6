package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "none", cfg.Growth.Policy)
	assert.InDelta(t, 0.04, cfg.Derived.CellSize, 1e-12)
	assert.InDelta(t, 1000*1e-6, cfg.Derived.ReferenceMass, 1e-12)
	assert.InDelta(t, 0.015, cfg.Derived.ShapeCap, 1e-12)
	assert.Equal(t, uint8(0), cfg.Derived.PeriodicMask)
	assert.True(t, cfg.Derived.DeriveDomain)
}

func TestLoad_MergesUserFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "case.yaml")
	user := `
periodic:
  x: true
  z: true
growth:
  policy: mass
  reference_mass: 1.0
  factor: 1.5
memory:
  limit_mb: 2
domain:
  min: [0, 0, 0]
  max: [10, 1, 1]
`
	require.NoError(t, os.WriteFile(path, []byte(user), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint8(5), cfg.Derived.PeriodicMask)
	assert.Equal(t, "mass", cfg.Growth.Policy)
	assert.Equal(t, 1.0, cfg.Derived.ReferenceMass)
	assert.Equal(t, 1.5, cfg.Growth.Factor)
	assert.Equal(t, int64(2<<20), cfg.Derived.MemoryLimit)
	assert.False(t, cfg.Derived.DeriveDomain)
	// Untouched fields keep defaults
	assert.Equal(t, 0.02, cfg.Physics.H)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"2d with periodic y", func(c *Config) { c.Case.Simulate2D = true; c.Periodic.Y = true }},
		{"zero h", func(c *Config) { c.Physics.H = 0 }},
		{"unknown policy", func(c *Config) { c.Growth.Policy = "fission" }},
		{"unknown axis", func(c *Config) { c.Growth.Axis = "random" }},
		{"parts out above one", func(c *Config) { c.Run.PartsOutMax = 2 }},
		{"unknown format", func(c *Config) { c.Case.Format = "bi4" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestWriteYAML_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Growth.Policy = "shape"
	cfg.Periodic.Y = true

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, cfg.WriteYAML(path))

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "shape", back.Growth.Policy)
	assert.Equal(t, uint8(2), back.Derived.PeriodicMask)
}
