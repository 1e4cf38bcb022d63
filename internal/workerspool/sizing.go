// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"
)

// ACTORFLOW_THREADS is the environment variable with overrides for the thread sizing heuristic,
// e.g. "min=2,max=5,parallel=5". Keys not given keep their default values.
const ACTORFLOW_THREADS = "ACTORFLOW_THREADS"

// SizingConfig holds the policy values of the thread sizing heuristic.
type SizingConfig struct {
	// MinActorThreads is the minimum number of actor threads: one always serves the memory manager actor.
	MinActorThreads int

	// MaxActorThreads avoids oversubscribing a shared host.
	MaxActorThreads int

	// ParallelJobs is the number of jobs assumed to share the host.
	ParallelJobs int
}

// DefaultSizingConfig is used if ACTORFLOW_THREADS is not set.
var DefaultSizingConfig = SizingConfig{MinActorThreads: 2, MaxActorThreads: 5, ParallelJobs: 5}

// Validate returns an error if the values are inconsistent.
func (c SizingConfig) Validate() error {
	if c.MinActorThreads < 1 {
		return errors.Errorf("thread sizing: min must be >= 1, got %d", c.MinActorThreads)
	}
	if c.MaxActorThreads < c.MinActorThreads {
		return errors.Errorf("thread sizing: max (%d) must be >= min (%d)", c.MaxActorThreads, c.MinActorThreads)
	}
	if c.ParallelJobs < 1 {
		return errors.Errorf("thread sizing: parallel must be >= 1, got %d", c.ParallelJobs)
	}
	return nil
}

// ParseSizingConfig parses a comma-separated list of "key=value" overrides of DefaultSizingConfig.
// Valid keys are "min", "max" and "parallel".
func ParseSizingConfig(config string) (SizingConfig, error) {
	c := DefaultSizingConfig
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return c, errors.Errorf("thread sizing: invalid %q, expected \"key=value\"", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return c, errors.Wrapf(err, "thread sizing: invalid value for %q", key)
		}
		switch strings.TrimSpace(key) {
		case "min":
			c.MinActorThreads = n
		case "max":
			c.MaxActorThreads = n
		case "parallel":
			c.ParallelJobs = n
		default:
			return c, errors.Errorf("thread sizing: unknown key %q, valid keys are \"min\", \"max\" and \"parallel\"", key)
		}
	}
	return c, c.Validate()
}

func clamp[T constraints.Integer](value, lower, upper T) T {
	return max(lower, min(value, upper))
}

// ComputeThreadCountsFor returns the number of threads for actor dispatch and for actor plus kernel execution,
// for a host with the given hardware concurrency:
//
//   - coreCount = hardwareConcurrency - 1 (but not negative);
//   - actorThreads = coreCount clamped to [MinActorThreads, MaxActorThreads];
//   - actorAndKernelThreads = max(coreCount / ParallelJobs, actorThreads + 2).
//
// The configuration must be valid, see SizingConfig.Validate.
func ComputeThreadCountsFor(hardwareConcurrency int, config SizingConfig) (actorThreads, actorAndKernelThreads int) {
	coreCount := max(hardwareConcurrency-1, 0)
	actorThreads = clamp(coreCount, config.MinActorThreads, config.MaxActorThreads)
	perJobCoreBudget := coreCount / config.ParallelJobs
	actorAndKernelThreads = max(perJobCoreBudget, actorThreads+2)
	return
}

var (
	threadCountsOnce                                sync.Once
	cachedActorThreads, cachedActorAndKernelThreads int
)

// SizingConfigFromEnv returns DefaultSizingConfig with the overrides of $ACTORFLOW_THREADS applied, if set.
// Invalid overrides are logged and ignored.
func SizingConfigFromEnv() SizingConfig {
	overrides, found := os.LookupEnv(ACTORFLOW_THREADS)
	if !found {
		return DefaultSizingConfig
	}
	config, err := ParseSizingConfig(overrides)
	if err != nil {
		klog.Warningf("ignoring $%s=%q: %v", ACTORFLOW_THREADS, overrides, err)
		return DefaultSizingConfig
	}
	return config
}

// ComputeThreadCounts returns the process-wide number of threads for actor dispatch and for actor plus kernel
// execution. It's computed once, from runtime.NumCPU() and SizingConfigFromEnv.
func ComputeThreadCounts() (actorThreads, actorAndKernelThreads int) {
	threadCountsOnce.Do(func() {
		cachedActorThreads, cachedActorAndKernelThreads = ComputeThreadCountsFor(runtime.NumCPU(), SizingConfigFromEnv())
		klog.V(1).Infof("thread sizing: %d actor threads, %d actor and kernel threads (%d CPUs)",
			cachedActorThreads, cachedActorAndKernelThreads, runtime.NumCPU())
	})
	return cachedActorThreads, cachedActorAndKernelThreads
}
