// Package config holds daemon-wide tunables populated from CLI flags,
// the same flat-struct-of-flags shape the teacher's command layer uses
// for its own run-time options.
package config

import "time"

// Config collects every daemon knob exposed on the command line.
type Config struct {
	Port           string
	BaudRate       int
	NoAutoconnect  bool
	MaxRecords     int
	CleanupInterval time.Duration
	RapidRetry     time.Duration
	SlowRetry      time.Duration
	Echo           bool
}

// Defaults returns the configuration the daemon starts with when no flag
// overrides a value, matching spec.md §4.2/§4.3 defaults.
func Defaults() Config {
	return Config{
		BaudRate:        115200,
		MaxRecords:      10000,
		CleanupInterval: 60 * time.Second,
		RapidRetry:      30 * time.Second,
		SlowRetry:       600 * time.Second,
	}
}
