// Package config holds the RHPMAN engine's tunables, read from plain
// os.Getenv/strconv values rather than a config-file library.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/rhpman/protocol/pkg/fitness"
)

// Config holds every protocol tunable, all optional with defaults.
type Config struct {
	Role fitness.Role

	ForwardingThreshold float64 // sigma, default 0.4
	CarryingThreshold    float64 // tau, default 0.6
	WCDC                  float64 // default 0.5
	WCol                  float64 // default 0.5

	NeighborhoodHops          int // h, default 2
	ElectionNeighborhoodHops  int // h_r, default 4

	ProfileDelay               time.Duration // default 6s
	RequestTimeout             time.Duration // default 5s
	MissingReplicationTimeout  time.Duration // default 5s
	ProfileTimeout             time.Duration // default 5s
	ElectionTimeout            time.Duration // default 5s
	ElectionCooldown           time.Duration // default 1s

	StorageCapacity int
	BufferCapacity  int

	OptionalCarrierForwarding bool
	OptionalCheckBuffer       bool
}

// Default returns the standard parameter defaults.
func Default() Config {
	return Config{
		Role:                       fitness.NonReplicating,
		ForwardingThreshold:        0.4,
		CarryingThreshold:          0.6,
		WCDC:                       0.5,
		WCol:                       0.5,
		NeighborhoodHops:           2,
		ElectionNeighborhoodHops:   4,
		ProfileDelay:               6 * time.Second,
		RequestTimeout:             5 * time.Second,
		MissingReplicationTimeout:  5 * time.Second,
		ProfileTimeout:             5 * time.Second,
		ElectionTimeout:            5 * time.Second,
		ElectionCooldown:           1 * time.Second,
		StorageCapacity:            16,
		BufferCapacity:             16,
		OptionalCarrierForwarding:  false,
		OptionalCheckBuffer:        false,
	}
}

// FromEnv overlays any RHPMAN_* environment variables onto Default().
func FromEnv() Config {
	c := Default()

	if v := os.Getenv("RHPMAN_ROLE"); v == "replicating" {
		c.Role = fitness.Replicating
	}
	if v, ok := envFloat("RHPMAN_FORWARDING_THRESHOLD"); ok {
		c.ForwardingThreshold = v
	}
	if v, ok := envFloat("RHPMAN_CARRYING_THRESHOLD"); ok {
		c.CarryingThreshold = v
	}
	if v, ok := envFloat("RHPMAN_W_CDC"); ok {
		c.WCDC = v
	}
	if v, ok := envFloat("RHPMAN_W_COL"); ok {
		c.WCol = v
	}
	if v, ok := envInt("RHPMAN_NEIGHBORHOOD_HOPS"); ok {
		c.NeighborhoodHops = v
	}
	if v, ok := envInt("RHPMAN_ELECTION_NEIGHBORHOOD_HOPS"); ok {
		c.ElectionNeighborhoodHops = v
	}
	if v, ok := envDuration("RHPMAN_PROFILE_DELAY"); ok {
		c.ProfileDelay = v
	}
	if v, ok := envDuration("RHPMAN_REQUEST_TIMEOUT"); ok {
		c.RequestTimeout = v
	}
	if v, ok := envDuration("RHPMAN_MISSING_REPLICATION_TIMEOUT"); ok {
		c.MissingReplicationTimeout = v
	}
	if v, ok := envDuration("RHPMAN_PROFILE_TIMEOUT"); ok {
		c.ProfileTimeout = v
	}
	if v, ok := envDuration("RHPMAN_ELECTION_TIMEOUT"); ok {
		c.ElectionTimeout = v
	}
	if v, ok := envDuration("RHPMAN_ELECTION_COOLDOWN"); ok {
		c.ElectionCooldown = v
	}
	if v, ok := envInt("RHPMAN_STORAGE_CAPACITY"); ok {
		c.StorageCapacity = v
	}
	if v, ok := envInt("RHPMAN_BUFFER_CAPACITY"); ok {
		c.BufferCapacity = v
	}
	if v := os.Getenv("RHPMAN_OPTIONAL_CARRIER_FORWARDING"); v != "" {
		c.OptionalCarrierForwarding = v == "true" || v == "1"
	}
	if v := os.Getenv("RHPMAN_OPTIONAL_CHECK_BUFFER"); v != "" {
		c.OptionalCheckBuffer = v == "true" || v == "1"
	}

	return c
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
