package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"quotefeed/internal/config"
	"quotefeed/internal/httpx"
	"quotefeed/internal/market"
	"quotefeed/internal/provider/justetf"
	"quotefeed/internal/provider/morningstar"
	"quotefeed/internal/provider/yahoo"
	"quotefeed/internal/quote"
	"quotefeed/internal/ratelimit"
	"quotefeed/internal/resolver"
)

func main() {
	_ = godotenv.Load()

	var ticker, isin, period, configPath string
	var withChange, withHistory bool
	var timeout int

	flag.StringVar(&ticker, "ticker", getenv("TICKER", ""), "ticker symbol (optional if -isin set)")
	flag.StringVar(&isin, "isin", getenv("ISIN", ""), "ISIN (optional if -ticker set)")
	flag.StringVar(&period, "period", getenv("PERIOD", "6mo"), "history period token (1mo..max)")
	flag.BoolVar(&withChange, "change", false, "include daily change with market status")
	flag.BoolVar(&withHistory, "history", false, "include historical series")
	flag.IntVar(&timeout, "timeout", getenvInt("REQUEST_TIMEOUT_SEC", 0), "request timeout seconds")
	flag.StringVar(&configPath, "config", getenv("CONFIG_FILE", ""), "path to config.json (optional)")
	flag.Parse()

	if ticker == "" && isin == "" {
		log.Fatal("provide -ticker and/or -isin")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if timeout > 0 {
		cfg.Server.RequestTimeoutSec = timeout
	}

	r := buildResolver(cfg)

	// A fully exhausted fallback chain is three sequential upstream calls.
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(3*cfg.Server.RequestTimeoutSec)*time.Second)
	defer cancel()

	out := struct {
		Quote   *quote.Quote            `json:"quote,omitempty"`
		Change  *quote.DailyChange      `json:"change,omitempty"`
		History *quote.HistoricalSeries `json:"history,omitempty"`
	}{}

	if q, err := r.Resolve(ctx, ticker, isin); err != nil {
		log.Printf("resolve: %v", err)
	} else {
		out.Quote = q
	}
	if withChange {
		if dc, err := r.DailyChange(ctx, isin, ticker); err != nil {
			log.Printf("change: %v", err)
		} else {
			out.Change = dc
		}
	}
	if withHistory {
		if s, err := r.History(ctx, ticker, isin, period); err != nil {
			log.Printf("history: %v", err)
		} else {
			out.History = s
		}
	}

	if out.Quote == nil && out.Change == nil && out.History == nil {
		log.Fatal("no data resolved")
	}
	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
}

func buildResolver(cfg config.Config) *resolver.Resolver {
	rc := resolver.Config{
		Hours:            market.NewTable(cfg.Venues),
		EuropeanPrefixes: cfg.EuropeanPrefixes,
		QuoteTTL:         time.Duration(cfg.Cache.QuoteTTLMin) * time.Minute,
		HistoryTTL:       time.Duration(cfg.Cache.HistoryTTLMin) * time.Minute,
	}
	if cfg.Yahoo.Enabled {
		hc := httpx.New(time.Duration(cfg.Yahoo.TimeoutSec) * time.Second)
		client := yahoo.NewClient(
			yahoo.WithBaseURL(cfg.Yahoo.BaseURL),
			yahoo.WithHTTPClient(hc.HTTP),
			yahoo.WithHeader(httpx.BrowserHeader()),
		)
		a := yahoo.New(yahoo.Config{}, client)
		if cfg.Yahoo.MaxRequestsPerMinute > 0 {
			burst := cfg.Yahoo.Burst
			if burst <= 0 {
				burst = 1
			}
			a = a.WithLimiter(ratelimit.NewTokenBucket(float64(cfg.Yahoo.MaxRequestsPerMinute)/60.0, burst))
		}
		rc.Market = a
	}
	if cfg.Morningstar.Enabled {
		hc := httpx.New(time.Duration(cfg.Morningstar.TimeoutSec) * time.Second)
		rc.Fund = morningstar.New(morningstar.Config{
			BaseURL:            cfg.Morningstar.BaseURL,
			SearchURL:          cfg.Morningstar.SearchURL,
			LookupCacheTTL:     time.Duration(cfg.Morningstar.LookupCacheTTLMin) * time.Minute,
			MinRequestInterval: time.Duration(cfg.Morningstar.MinRequestIntervalMS) * time.Millisecond,
		}, hc)
	}
	if cfg.JustETF.Enabled {
		hc := httpx.New(time.Duration(cfg.JustETF.TimeoutSec) * time.Second)
		rc.ETF = justetf.New(justetf.Config{
			BaseURL:            cfg.JustETF.BaseURL,
			LookupCacheTTL:     time.Duration(cfg.JustETF.LookupCacheTTLMin) * time.Minute,
			MinRequestInterval: time.Duration(cfg.JustETF.MinRequestIntervalMS) * time.Millisecond,
		}, hc)
	}
	return resolver.New(rc)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x != 0 {
			return x
		}
	}
	return def
}
