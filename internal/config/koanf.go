package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// PathEnvVar names an explicit config file.
const PathEnvVar = "DASHBOARD_CONFIG"

var defaultPaths = []string{"dashboard.yaml", "dashboard.yml"}

// envMappings maps lower-cased environment names to koanf paths.
var envMappings = map[string]string{
	"next_public_dip_url":              "upstream.dip_url",
	"dip_url":                          "upstream.dip_url",
	"next_public_cog_url":              "upstream.cog_url",
	"cog_url":                          "upstream.cog_url",
	"next_public_acceligence_url":      "upstream.livestock_url",
	"acceligence_url":                  "upstream.livestock_url",
	"next_public_api_url":              "upstream.api_url",
	"api_url":                          "upstream.api_url",
	"upstream_timeout":                 "upstream.timeout",
	"stats_timeout":                    "upstream.stats_timeout",
	"poll_interval":                    "upstream.poll_interval",
	"next_public_assistant_url":        "assistant.url",
	"assistant_url":                    "assistant.url",
	"next_public_assistant_api_key":    "assistant.api_key",
	"assistant_api_key":                "assistant.api_key",
	"message_limit":                    "assistant.limit",
	"next_public_smtp_server_host":     "mail.smtp_host",
	"next_public_smtp_server_port":     "mail.smtp_port",
	"next_public_smtp_server_username": "mail.smtp_username",
	"next_public_smtp_server_password": "mail.smtp_password",
	"email_from_name":                  "mail.from_name",
	"email_from_address":               "mail.from_address",
	"email_subject":                    "mail.subject",
	"resend_api_key":                   "mail.resend_api_key",
	"next_public_feature_flag":         "app.feature_flag",
	"feature_flag":                     "app.feature_flag",
	"domain":                           "app.domain",
	"map_base_tile_url":                "map.base_tile_url",
	"report_ready_timeout":             "report.ready_timeout",
	"log_level":                        "log.level",
	"log_format":                       "log.format",
}

func envTransform(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}

// Load builds Settings from defaults, an optional YAML file and the
// environment, in increasing priority.
func Load() (*Settings, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit file path. An empty path skips the file layer.
func LoadFile(path string) (*Settings, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	s := &Settings{}
	if err := k.Unmarshal("", s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	s.normalize()

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return s, nil
}

func findConfigFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range defaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
