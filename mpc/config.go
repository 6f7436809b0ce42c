package mpc

import (
	"encoding/json"
	"fmt"
	"os"
)

// Weights holds the seven cost-term weights, in the order they are overridden
// from the command line: cte, epsi, speed, steer, throttle, steer-rate,
// throttle-rate.
type Weights struct {
	CTE          float64 `json:"cte"`
	EPsi         float64 `json:"epsi"`
	Speed        float64 `json:"speed"`
	Steer        float64 `json:"steer"`
	Throttle     float64 `json:"throttle"`
	SteerRate    float64 `json:"steer_rate"`
	ThrottleRate float64 `json:"throttle_rate"`
}

// NumWeights is the length of the ordered override list.
const NumWeights = 7

// DefaultWeights returns the tuning that drives the reference track.
func DefaultWeights() Weights {
	return Weights{
		CTE:          2,
		EPsi:         10,
		Speed:        5,
		Steer:        3000,
		Throttle:     100,
		SteerRate:    500,
		ThrottleRate: 100,
	}
}

// List returns the weights in override order.
func (w Weights) List() []float64 {
	return []float64{w.CTE, w.EPsi, w.Speed, w.Steer, w.Throttle, w.SteerRate, w.ThrottleRate}
}

// ApplyOverride replaces a prefix of the weights with the given ordered
// values, leaving the rest at their current values.
func (w Weights) ApplyOverride(vals []float64) (Weights, error) {
	if len(vals) > NumWeights {
		return w, fmt.Errorf("too many weight overrides: got %d, max %d", len(vals), NumWeights)
	}
	dst := []*float64{&w.CTE, &w.EPsi, &w.Speed, &w.Steer, &w.Throttle, &w.SteerRate, &w.ThrottleRate}
	for i, v := range vals {
		if v < 0 {
			return w, fmt.Errorf("weight %d must be non-negative, got %f", i, v)
		}
		*dst[i] = v
	}
	return w, nil
}

func (w Weights) validate() error {
	for i, v := range w.List() {
		if v < 0 {
			return fmt.Errorf("weight %d must be non-negative, got %f", i, v)
		}
	}
	return nil
}

// Config holds the per-controller tuning. It is set once at startup and read
// by every solve; sessions may share one value since the controller never
// mutates it.
type Config struct {
	Weights Weights `json:"weights"`

	// RefSpeed is the speed-tracking setpoint, in the simulator's speed unit.
	RefSpeed float64 `json:"ref_speed"`

	// SolveBudgetMS is the hard wall-clock cap on one NLP solve. A solve that
	// exceeds it reports non-convergence; it never stalls the control loop.
	SolveBudgetMS int `json:"solve_budget_ms"`
}

// DefaultConfig returns the tuning used by the reference setup.
func DefaultConfig() Config {
	return Config{
		Weights:       DefaultWeights(),
		RefSpeed:      50,
		SolveBudgetMS: 50,
	}
}

// Validate checks the config for values the controller cannot run with.
func (c Config) Validate() error {
	if err := c.Weights.validate(); err != nil {
		return err
	}
	if c.RefSpeed <= 0 {
		return fmt.Errorf("invalid ref_speed: %f", c.RefSpeed)
	}
	if c.SolveBudgetMS <= 0 {
		return fmt.Errorf("invalid solve_budget_ms: %d", c.SolveBudgetMS)
	}
	return nil
}

// LoadConfig reads a tuning file. Fields absent from the JSON keep their
// defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
