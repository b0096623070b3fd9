// Package config assembles the immutable, process-wide configuration for a
// bus-ops instance from a typed options structure, re-architecting the
// source's logging-config singleton (spec.md §9) into a value constructed
// once at startup rather than mutated globally.
package config

import (
	"fmt"

	"github.com/mrmidi/asfw/internal/constants"
)

// RetryPolicyName selects one of the named retry/speed-fallback presets.
type RetryPolicyName int

const (
	RetryPolicyDefault RetryPolicyName = iota
	RetryPolicyReduced
	RetryPolicyNone
	RetryPolicyIncreased
)

func (n RetryPolicyName) String() string {
	switch n {
	case RetryPolicyDefault:
		return "default"
	case RetryPolicyReduced:
		return "reduced"
	case RetryPolicyNone:
		return "none"
	case RetryPolicyIncreased:
		return "increased"
	default:
		return "unknown"
	}
}

// Config is the immutable snapshot consumed by every component at
// construction. Runtime verbosity changes go through the logger's atomic
// per-subsystem cells (internal/logging), not through this struct.
type Config struct {
	DefaultRetryPolicy RetryPolicyName

	ATRequestRingCapacity  int
	ATResponseRingCapacity int
	ARRequestRingCapacity  int
	ARResponseRingCapacity int

	LabelPoolSize     int
	OutstandingSlots  int
	TimeoutDefaultMs  int
	HexDumpByDefault  bool
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultRetryPolicy:     RetryPolicyDefault,
		ATRequestRingCapacity:  constants.DefaultRingCapacity,
		ATResponseRingCapacity: constants.DefaultRingCapacity,
		ARRequestRingCapacity:  constants.DefaultRingCapacity,
		ARResponseRingCapacity: constants.DefaultRingCapacity,
		LabelPoolSize:          constants.LabelPoolSize,
		OutstandingSlots:       constants.DefaultOutstandingSlots,
		TimeoutDefaultMs:       constants.DefaultTimeoutMs,
	}
}

// Validate checks the configuration against spec.md §6's bounds, returning
// the first violation found.
func (c *Config) Validate() error {
	for _, cap := range []int{c.ATRequestRingCapacity, c.ATResponseRingCapacity, c.ARRequestRingCapacity, c.ARResponseRingCapacity} {
		if cap < constants.MinRingCapacity || cap > constants.MaxRingCapacity {
			return fmt.Errorf("config: ring capacity %d out of range [%d,%d]", cap, constants.MinRingCapacity, constants.MaxRingCapacity)
		}
	}
	if c.LabelPoolSize != constants.LabelPoolSize {
		return fmt.Errorf("config: label pool size is fixed at %d", constants.LabelPoolSize)
	}
	if c.OutstandingSlots <= 0 || c.OutstandingSlots > constants.MaxOutstandingSlots || c.OutstandingSlots&(c.OutstandingSlots-1) != 0 {
		return fmt.Errorf("config: outstanding slots %d must be a power of two up to %d", c.OutstandingSlots, constants.MaxOutstandingSlots)
	}
	if c.TimeoutDefaultMs <= 0 {
		return fmt.Errorf("config: timeout default must be positive, got %d", c.TimeoutDefaultMs)
	}
	return nil
}
