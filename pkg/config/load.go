package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	env "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "CLOUDSTATE_"

// Load reads configuration with the following precedence (highest last):
//
//  1. Built-in defaults
//  2. The YAML file at path, skipped when path is empty
//  3. Environment variables (CLOUDSTATE_ prefix)
//
// Env keys are matched against the known keys so that field-internal
// underscores survive:
//
//	CLOUDSTATE_NODE_REPLICA_ID              -> node.replica_id
//	CLOUDSTATE_REPLICATION_PEERS            -> replication.peers (comma separated)
//	CLOUDSTATE_REPLICATION_CIRCUIT_BREAKER_TIMEOUT -> replication.circuit_breaker.timeout
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("setting default %s: %w", key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	envLookup := buildEnvLookup(k.Keys())
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))

			koanfKey, ok := envLookup[key]
			if !ok {
				koanfKey = strings.ReplaceAll(key, "_", ".")
			}
			if koanfKey == "replication.peers" {
				return koanfKey, splitList(value)
			}
			return koanfKey, value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// buildEnvLookup maps env-style keys ("http_listen_addr") to koanf keys
// ("http.listen_addr").
func buildEnvLookup(keys []string) map[string]string {
	lookup := make(map[string]string, len(keys))
	for _, key := range keys {
		lookup[strings.ReplaceAll(key, ".", "_")] = key
	}
	return lookup
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
