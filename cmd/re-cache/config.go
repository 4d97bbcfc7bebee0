package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the optional yaml config file. Everything in it has a
// working default, so running without a file is fine.
type Config struct {
	// DefaultTTLSeconds is the target TTL for new cache entries.
	DefaultTTLSeconds int `yaml:"defaultTtlSeconds"`
	// RecacheAgeFloorSeconds is the entry age past which a hit
	// schedules a background refresh.
	RecacheAgeFloorSeconds int `yaml:"recacheAgeFloorSeconds"`
	// VolatileParams are query parameters excluded from cache keys.
	VolatileParams []string `yaml:"volatileParams"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
