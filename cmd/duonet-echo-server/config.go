package main

import (
	"os"

	"gopkg.in/yaml.v2"
)

// config is the YAML-loadable subset of server.Options, grounded on
// the teacher's own config.go pattern of loading a YAML file into a
// typed structure, adapted here to unmarshal directly into the
// typed fields an application cares about instead of returning
// interface{} for the caller to cast.
type config struct {
	ListenAddress        string `yaml:"listen_address"`
	MaxClients           int    `yaml:"max_clients"`
	UseBlacklist         bool   `yaml:"use_blacklist"`
	AlivenessTestDelayMs int    `yaml:"aliveness_test_delay_ms"`
	ACLDatabasePath      string `yaml:"acl_database_path"`
}

func loadConfig(path string) (config, error) {
	cfg := config{
		ListenAddress: ":7070",
		UseBlacklist:  true,
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
