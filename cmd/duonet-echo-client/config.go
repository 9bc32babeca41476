package main

import (
	"os"

	"gopkg.in/yaml.v2"
)

// config is the YAML-loadable subset of client.Options, mirroring
// duonet-echo-server's config.go.
type config struct {
	ServerAddress          string `yaml:"server_address"`
	AlivenessTestDelayMs   int    `yaml:"aliveness_test_delay_ms"`
	ShouldAttemptReconnect *bool  `yaml:"should_attempt_reconnect"`
}

func loadConfig(path string) (config, error) {
	cfg := config{
		ServerAddress: "127.0.0.1:7070",
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
