// Package config provides configuration loading and access for the simulation.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrInvalid reports a configuration that cannot be run.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all simulation configuration parameters.
type Config struct {
	Case      CaseConfig      `yaml:"case"`
	Domain    DomainConfig    `yaml:"domain"`
	Periodic  PeriodicConfig  `yaml:"periodic"`
	Physics   PhysicsConfig   `yaml:"physics"`
	Growth    GrowthConfig    `yaml:"growth"`
	Memory    MemoryConfig    `yaml:"memory"`
	Run       RunConfig       `yaml:"run"`
	Parallel  ParallelConfig  `yaml:"parallel"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// CaseConfig describes the initial particle set and what it must contain.
type CaseConfig struct {
	Name            string      `yaml:"name"`
	Path            string      `yaml:"path"`
	Format          string      `yaml:"format"`       // csv | sqlite
	Part            int         `yaml:"part"`         // sqlite part to reload, -1 = latest
	CheckCounts     bool        `yaml:"check_counts"` // Fail when loaded counts differ from Expected
	Expected        CountConfig `yaml:"expected"`
	Simulate2D      bool        `yaml:"simulate_2d"`
	SinglePrecision bool        `yaml:"single_precision"` // Round loaded positions to float32
}

// CountConfig holds per-type particle counts.
type CountConfig struct {
	Fixed    int `yaml:"fixed"`
	Moving   int `yaml:"moving"`
	Floating int `yaml:"floating"`
	Fluid    int `yaml:"fluid"`
}

// Total returns the sum of all counts.
func (c CountConfig) Total() int { return c.Fixed + c.Moving + c.Floating + c.Fluid }

// DomainConfig holds the real map bounds. Min == Max means derive them.
type DomainConfig struct {
	Min    [3]float64 `yaml:"min"`
	Max    [3]float64 `yaml:"max"`
	Border float64    `yaml:"border"` // In units of h
}

// PeriodicConfig selects periodic axes and optional cross offsets.
type PeriodicConfig struct {
	X    bool       `yaml:"x"`
	Y    bool       `yaml:"y"`
	Z    bool       `yaml:"z"`
	XInc [3]float64 `yaml:"x_inc"`
	YInc [3]float64 `yaml:"y_inc"`
	ZInc [3]float64 `yaml:"z_inc"`
}

// Any reports whether at least one axis is periodic.
func (p PeriodicConfig) Any() bool { return p.X || p.Y || p.Z }

// PhysicsConfig holds the parameters shared with the reference collaborators.
type PhysicsConfig struct {
	H              float64    `yaml:"h"`
	CellFactor     float64    `yaml:"cell_factor"`
	Dp             float64    `yaml:"dp"`
	Rho0           float64    `yaml:"rho0"`
	Gravity        [3]float64 `yaml:"gravity"`
	DT             float64    `yaml:"dt"`
	MassGrowthRate float64    `yaml:"mass_growth_rate"`
	Damping        float64    `yaml:"damping"`
}

// GrowthConfig selects the growth policy and split axis.
type GrowthConfig struct {
	Policy        string     `yaml:"policy"` // none | mass | gaussian | tipband | shape
	Axis          string     `yaml:"axis"`   // fixed | velocity | shape
	FixedAxis     [3]float64 `yaml:"fixed_axis"`
	SplitDistance float64    `yaml:"split_distance"`
	RefineShape   bool       `yaml:"refine_shape"`
	ReferenceMass float64    `yaml:"reference_mass"`
	Factor        float64    `yaml:"factor"`
	Aperture      float64    `yaml:"aperture"`
	Center        float64    `yaml:"center"`
	Rate          float64    `yaml:"rate"`
	Location      [3]float64 `yaml:"location"`
	Sigma         float64    `yaml:"sigma"`
	Near          float64    `yaml:"near"`
	Far           float64    `yaml:"far"`
	Base          float64    `yaml:"base"`
	Cap           float64    `yaml:"cap"`
	Seed          uint64     `yaml:"seed"`
}

// MemoryConfig holds capacity growth parameters.
type MemoryConfig struct {
	Oversize float64 `yaml:"oversize"` // Extra fraction allocated on growth
	LimitMB  int64   `yaml:"limit_mb"` // 0 = unlimited
}

// RunConfig holds run length and termination parameters.
type RunConfig struct {
	TimeMax      float64 `yaml:"time_max"`
	MaxSteps     int     `yaml:"max_steps"`
	PartInterval float64 `yaml:"part_interval"`
	PartsOutMax  float64 `yaml:"parts_out_max"` // Fraction of fluid allowed to leave before stopping
	Stable       bool    `yaml:"stable"`
}

// ParallelConfig holds worker pool parameters.
type ParallelConfig struct {
	Workers   int `yaml:"workers"`
	Threshold int `yaml:"threshold"`
}

// TelemetryConfig holds telemetry parameters.
type TelemetryConfig struct {
	OutputDir  string `yaml:"output_dir"`
	PerfWindow int    `yaml:"perf_window"`
	LogEvery   int    `yaml:"log_every"`
}

// DerivedConfig holds computed values derived from the loaded config.
type DerivedConfig struct {
	CellSize      float64 // Physics.H * Physics.CellFactor
	ReferenceMass float64 // Growth.ReferenceMass or rho0*dp^3
	ShapeCap      float64 // Growth.Cap or 0.75*h
	PeriodicMask  uint8   // bit 0 = X, bit 1 = Y, bit 2 = Z
	MemoryLimit   int64   // Memory.LimitMB in bytes
	DeriveDomain  bool    // Domain.Min == Domain.Max
}

// global holds the loaded configuration.
var global *Config

// Init loads configuration from the given path, or uses embedded defaults if path is empty.
// Must be called before Cfg().
func Init(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	global = cfg
	return nil
}

// Cfg returns the global configuration. Panics if Init was not called.
func Cfg() *Config {
	if global == nil {
		panic("config: Cfg() called before Init()")
	}
	return global
}

// Default returns the embedded defaults.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	return cfg
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Unmarshal into same struct - only overwrites fields present in file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ComputeDerived()
	return cfg, nil
}

// Validate rejects configurations that cannot be simulated.
func (c *Config) Validate() error {
	if c.Physics.H <= 0 {
		return fmt.Errorf("physics.h must be positive, got %g: %w", c.Physics.H, ErrInvalid)
	}
	if c.Physics.CellFactor <= 0 {
		return fmt.Errorf("physics.cell_factor must be positive, got %g: %w", c.Physics.CellFactor, ErrInvalid)
	}
	if c.Physics.DT <= 0 {
		return fmt.Errorf("physics.dt must be positive, got %g: %w", c.Physics.DT, ErrInvalid)
	}
	if c.Case.Simulate2D && c.Periodic.Y {
		return fmt.Errorf("periodic conditions in Y are not allowed in 2D simulations: %w", ErrInvalid)
	}
	if c.Memory.Oversize < 0 {
		return fmt.Errorf("memory.oversize must not be negative: %w", ErrInvalid)
	}
	if c.Run.PartsOutMax < 0 || c.Run.PartsOutMax > 1 {
		return fmt.Errorf("run.parts_out_max must be in [0,1], got %g: %w", c.Run.PartsOutMax, ErrInvalid)
	}
	switch c.Growth.Policy {
	case "none", "mass", "gaussian", "tipband", "shape":
	default:
		return fmt.Errorf("unknown growth.policy %q: %w", c.Growth.Policy, ErrInvalid)
	}
	switch c.Growth.Axis {
	case "fixed", "velocity", "shape":
	default:
		return fmt.Errorf("unknown growth.axis %q: %w", c.Growth.Axis, ErrInvalid)
	}
	switch c.Case.Format {
	case "csv", "sqlite":
	default:
		return fmt.Errorf("unknown case.format %q: %w", c.Case.Format, ErrInvalid)
	}
	return nil
}

// ComputeDerived calculates values derived from loaded config.
func (c *Config) ComputeDerived() {
	c.Derived.CellSize = c.Physics.H * c.Physics.CellFactor

	c.Derived.ReferenceMass = c.Growth.ReferenceMass
	if c.Derived.ReferenceMass == 0 {
		c.Derived.ReferenceMass = c.Physics.Rho0 * math.Pow(c.Physics.Dp, 3)
	}

	c.Derived.ShapeCap = c.Growth.Cap
	if c.Derived.ShapeCap == 0 {
		c.Derived.ShapeCap = 0.75 * c.Physics.H
	}

	c.Derived.PeriodicMask = 0
	if c.Periodic.X {
		c.Derived.PeriodicMask |= 1
	}
	if c.Periodic.Y {
		c.Derived.PeriodicMask |= 2
	}
	if c.Periodic.Z {
		c.Derived.PeriodicMask |= 4
	}

	c.Derived.MemoryLimit = c.Memory.LimitMB << 20
	c.Derived.DeriveDomain = c.Domain.Min == c.Domain.Max
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
