package telemetry

import (
	"fmt"

	"github.com/grafana/pyroscope-go"
)

// ProfilingConfig contains pyroscope continuous profiling configuration.
type ProfilingConfig struct {
	// Enabled controls whether profiling is enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ServerAddress is the pyroscope server URL (e.g., "http://localhost:4040")
	ServerAddress string `mapstructure:"server_address" yaml:"server_address"`
}

// InitProfiling starts pyroscope continuous profiling. Returns a shutdown
// function stopping the profiler.
func InitProfiling(cfg ProfilingConfig, serviceVersion string) (shutdown func() error, err error) {
	if !cfg.Enabled {
		return func() error { return nil }, nil
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "deltawal",
		ServerAddress:   cfg.ServerAddress,
		Tags: map[string]string{
			"version": serviceVersion,
		},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start pyroscope profiler: %w", err)
	}

	return profiler.Stop, nil
}
