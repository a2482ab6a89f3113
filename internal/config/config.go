// Package config loads the dashboard settings.
//
// Settings are layered: built-in defaults, then an optional YAML file, then
// environment variables. Environment names follow the deployment's existing
// variables (NEXT_PUBLIC_DIP_URL, NEXT_PUBLIC_COG_URL, ...) as well as the
// shorter unprefixed forms.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Settings is the read-only configuration shared by every network client.
type Settings struct {
	App       AppConfig       `koanf:"app"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Assistant AssistantConfig `koanf:"assistant"`
	Mail      MailConfig      `koanf:"mail"`
	Map       MapConfig       `koanf:"map"`
	Report    ReportConfig    `koanf:"report"`
	Log       LogConfig       `koanf:"log"`
}

type AppConfig struct {
	Domain      string `koanf:"domain"`
	FeatureFlag string `koanf:"feature_flag"`
}

// UpstreamConfig holds backend base URLs.
type UpstreamConfig struct {
	DIPURL       string        `koanf:"dip_url"`       // bundle storage API
	COGURL       string        `koanf:"cog_url"`       // tiling micro-service
	LivestockURL string        `koanf:"livestock_url"` // real-time livestock API
	APIURL       string        `koanf:"api_url"`       // image/frame API
	Timeout      time.Duration `koanf:"timeout"`
	StatsTimeout time.Duration `koanf:"stats_timeout"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

type AssistantConfig struct {
	URL    string `koanf:"url"`
	APIKey string `koanf:"api_key"`
	Limit  int    `koanf:"limit"`
}

// MailConfig configures outgoing feature emails. ResendAPIKey wins over SMTP.
type MailConfig struct {
	SMTPHost     string `koanf:"smtp_host"`
	SMTPPort     int    `koanf:"smtp_port"`
	SMTPUsername string `koanf:"smtp_username"`
	SMTPPassword string `koanf:"smtp_password"`
	FromName     string `koanf:"from_name"`
	FromAddress  string `koanf:"from_address"`
	Subject      string `koanf:"subject"`
	ResendAPIKey string `koanf:"resend_api_key"`
}

type MapConfig struct {
	MinZoom     int     `koanf:"min_zoom"`
	MaxZoom     int     `koanf:"max_zoom"`
	CenterLat   float64 `koanf:"center_lat"`
	CenterLng   float64 `koanf:"center_lng"`
	BaseTileURL string  `koanf:"base_tile_url"`
	Width       int     `koanf:"width"`
	Height      int     `koanf:"height"`
}

type ReportConfig struct {
	ReadyTimeout time.Duration `koanf:"ready_timeout"`
	ImageRetries int           `koanf:"image_retries"`
	RetryStep    time.Duration `koanf:"retry_step"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Defaults returns the built-in settings.
func Defaults() *Settings {
	return &Settings{
		Upstream: UpstreamConfig{
			Timeout:      30 * time.Second,
			StatsTimeout: 10 * time.Second,
			PollInterval: 10 * time.Second,
		},
		Assistant: AssistantConfig{Limit: 10},
		Mail: MailConfig{
			SMTPPort:    587,
			FromName:    "Dashboard",
			FromAddress: "noreply@localhost",
			Subject:     "Dashboard",
		},
		Map: MapConfig{
			MinZoom:     3,
			MaxZoom:     18,
			CenterLat:   46.20414,
			CenterLng:   12.71242,
			BaseTileURL: "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}",
			Width:       1024,
			Height:      768,
		},
		Report: ReportConfig{
			ReadyTimeout: 20 * time.Second,
			ImageRetries: 3,
			RetryStep:    time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Validate checks URL syntax and timing values.
func (s *Settings) Validate() error {
	urls := map[string]string{
		"upstream.dip_url":       s.Upstream.DIPURL,
		"upstream.cog_url":       s.Upstream.COGURL,
		"upstream.livestock_url": s.Upstream.LivestockURL,
		"upstream.api_url":       s.Upstream.APIURL,
		"assistant.url":          s.Assistant.URL,
	}
	for key, raw := range urls {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s: invalid URL %q", key, raw)
		}
	}
	if s.Upstream.StatsTimeout <= 0 {
		return fmt.Errorf("upstream.stats_timeout must be positive")
	}
	if s.Upstream.PollInterval <= 0 {
		return fmt.Errorf("upstream.poll_interval must be positive")
	}
	if s.Assistant.Limit <= 0 {
		return fmt.Errorf("assistant.limit must be positive")
	}
	if s.Map.MinZoom < 0 || s.Map.MaxZoom < s.Map.MinZoom {
		return fmt.Errorf("map zoom range %d..%d is invalid", s.Map.MinZoom, s.Map.MaxZoom)
	}
	return nil
}

// normalize gives every base URL exactly one trailing slash so relative
// paths can be appended with plain concatenation.
func (s *Settings) normalize() {
	for _, p := range []*string{
		&s.Upstream.DIPURL,
		&s.Upstream.COGURL,
		&s.Upstream.LivestockURL,
		&s.Upstream.APIURL,
		&s.Assistant.URL,
	} {
		if *p != "" {
			*p = strings.TrimRight(*p, "/") + "/"
		}
	}
}

// Join appends a relative path to a normalized base URL.
func Join(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
