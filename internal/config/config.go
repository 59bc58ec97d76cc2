package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

type Server struct {
	Port              string `json:"port"`
	RequestTimeoutSec int    `json:"request_timeout_sec"`
}

type Yahoo struct {
	Enabled              bool   `json:"enabled"`
	BaseURL              string `json:"base_url"`
	TimeoutSec           int    `json:"timeout_sec"`
	MaxRequestsPerMinute int    `json:"max_requests_per_minute"`
	Burst                int    `json:"burst"`
}

type Morningstar struct {
	Enabled              bool   `json:"enabled"`
	BaseURL              string `json:"base_url"`
	SearchURL            string `json:"search_url"`
	TimeoutSec           int    `json:"timeout_sec"`
	LookupCacheTTLMin    int    `json:"lookup_cache_ttl_min"`
	MinRequestIntervalMS int    `json:"min_request_interval_ms"`
}

type JustETF struct {
	Enabled              bool   `json:"enabled"`
	BaseURL              string `json:"base_url"`
	TimeoutSec           int    `json:"timeout_sec"`
	LookupCacheTTLMin    int    `json:"lookup_cache_ttl_min"`
	MinRequestIntervalMS int    `json:"min_request_interval_ms"`
}

type Cache struct {
	QuoteTTLMin   int `json:"quote_ttl_min"`
	HistoryTTLMin int `json:"history_ttl_min"`
}

// VenueHours describes one venue family's trading window. MIC selects an
// exchange calendar; the hour window and timezone are the fallback when no
// calendar is available for that MIC.
type VenueHours struct {
	Name            string   `json:"name"`
	MIC             string   `json:"mic"`
	CountryPrefixes []string `json:"country_prefixes,omitempty"`
	TickerSuffixes  []string `json:"ticker_suffixes,omitempty"`
	OpenHour        int      `json:"open_hour"`
	OpenMinute      int      `json:"open_minute"`
	CloseHour       int      `json:"close_hour"`
	Timezone        string   `json:"timezone"`
}

type Config struct {
	Server      Server       `json:"server"`
	Yahoo       Yahoo        `json:"yahoo"`
	Morningstar Morningstar  `json:"morningstar"`
	JustETF     JustETF      `json:"justetf"`
	Cache       Cache        `json:"cache"`
	Venues      []VenueHours `json:"venues"`
	// EuropeanPrefixes routes daily-change lookups through the
	// home-exchange reconciliation path.
	EuropeanPrefixes []string `json:"european_prefixes"`
}

func Default() Config {
	return Config{
		Server: Server{Port: "8080", RequestTimeoutSec: 15},
		Yahoo: Yahoo{
			Enabled:    true,
			BaseURL:    "https://query1.finance.yahoo.com",
			TimeoutSec: 10,
		},
		Morningstar: Morningstar{
			Enabled:              true,
			BaseURL:              "https://www.morningstar.es",
			SearchURL:            "https://www.morningstar.es/es/util/SecuritySearch.ashx",
			TimeoutSec:           10,
			LookupCacheTTLMin:    30,
			MinRequestIntervalMS: 500,
		},
		JustETF: JustETF{
			Enabled:              true,
			BaseURL:              "https://www.justetf.com",
			TimeoutSec:           15,
			LookupCacheTTLMin:    30,
			MinRequestIntervalMS: 300,
		},
		Cache: Cache{QuoteTTLMin: 15, HistoryTTLMin: 15},
		Venues: []VenueHours{
			{
				Name:            "european",
				MIC:             "xfra",
				CountryPrefixes: []string{"IE", "LU", "DE", "FR", "NL", "GB"},
				TickerSuffixes:  []string{".DE", ".L", ".PA", ".AS", ".MI", ".SW", ".F"},
				OpenHour:        9,
				CloseHour:       17,
				Timezone:        "Europe/Berlin",
			},
			{
				Name:       "us",
				MIC:        "xnys",
				OpenHour:   9,
				OpenMinute: 30,
				CloseHour:  16,
				Timezone:   "America/New_York",
			},
		},
		EuropeanPrefixes: []string{"IE", "LU", "DE", "FR", "NL", "GB"},
	}
}

// Load reads JSON config from path. If path is empty or the file does not
// exist, it returns defaults. Environment variables override select fields.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := json.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := envInt("REQUEST_TIMEOUT_SEC"); v > 0 {
		cfg.Server.RequestTimeoutSec = v
	}
	if v := os.Getenv("YAHOO_ENABLED"); v != "" {
		cfg.Yahoo.Enabled = envBool(v, cfg.Yahoo.Enabled)
	}
	if v := os.Getenv("YAHOO_BASE_URL"); v != "" {
		cfg.Yahoo.BaseURL = v
	}
	if v := envInt("YAHOO_TIMEOUT_SEC"); v > 0 {
		cfg.Yahoo.TimeoutSec = v
	}
	if v := envInt("YAHOO_MAX_RPM"); v > 0 {
		cfg.Yahoo.MaxRequestsPerMinute = v
	}
	if v := os.Getenv("MORNINGSTAR_ENABLED"); v != "" {
		cfg.Morningstar.Enabled = envBool(v, cfg.Morningstar.Enabled)
	}
	if v := os.Getenv("MORNINGSTAR_BASE_URL"); v != "" {
		cfg.Morningstar.BaseURL = v
	}
	if v := os.Getenv("MORNINGSTAR_SEARCH_URL"); v != "" {
		cfg.Morningstar.SearchURL = v
	}
	if v := envInt("MORNINGSTAR_TIMEOUT_SEC"); v > 0 {
		cfg.Morningstar.TimeoutSec = v
	}
	if v := os.Getenv("JUSTETF_ENABLED"); v != "" {
		cfg.JustETF.Enabled = envBool(v, cfg.JustETF.Enabled)
	}
	if v := os.Getenv("JUSTETF_BASE_URL"); v != "" {
		cfg.JustETF.BaseURL = v
	}
	if v := envInt("JUSTETF_TIMEOUT_SEC"); v > 0 {
		cfg.JustETF.TimeoutSec = v
	}
	if v := envInt("QUOTE_CACHE_TTL_MIN"); v > 0 {
		cfg.Cache.QuoteTTLMin = v
	}
	if v := envInt("HISTORY_CACHE_TTL_MIN"); v > 0 {
		cfg.Cache.HistoryTTLMin = v
	}
	if v := os.Getenv("EUROPEAN_PREFIXES"); v != "" {
		cfg.EuropeanPrefixes = splitCSV(v)
	}
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	var x int
	_, _ = fmt.Sscanf(v, "%d", &x)
	return x
}

func envBool(v string, def bool) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	}
	return def
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
