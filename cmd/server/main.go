package main

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
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

// quoteService is what the handlers need from the resolver.
type quoteService interface {
	Resolve(ctx context.Context, ticker, isin string) (*quote.Quote, error)
	ResolveBatch(ctx context.Context, ids []quote.Identity) map[string]*quote.Quote
	DailyChange(ctx context.Context, isin, ticker string) (*quote.DailyChange, error)
	History(ctx context.Context, ticker, isin, period string) (*quote.HistoricalSeries, error)
	InvalidateCache()
}

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_FILE")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	port := cfg.Server.Port

	if !cfg.Yahoo.Enabled && !cfg.Morningstar.Enabled && !cfg.JustETF.Enabled {
		log.Fatal("all providers disabled; enable at least one in config")
	}

	svc := buildResolver(cfg)
	requestTimeout := time.Duration(cfg.Server.RequestTimeoutSec) * time.Second

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           withJSONHeaders(withGzip(recoverPanic(limitBody(newMux(svc, requestTimeout))))),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("server listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func newMux(svc quoteService, requestTimeout time.Duration) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/api/quote", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handleQuote(w, r, svc, requestTimeout)
		case http.MethodPost:
			handleQuoteBatch(w, r, svc, requestTimeout)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/change", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handleChange(w, r, svc, requestTimeout)
	})
	mux.HandleFunc("/api/history", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handleHistory(w, r, svc, requestTimeout)
	})
	mux.HandleFunc("/api/cache/invalidate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		svc.InvalidateCache()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func handleQuote(w http.ResponseWriter, r *http.Request, svc quoteService, timeout time.Duration) {
	ticker := strings.TrimSpace(r.URL.Query().Get("ticker"))
	isin := strings.TrimSpace(r.URL.Query().Get("isin"))
	if ticker == "" && isin == "" {
		http.Error(w, "ticker or isin query param required", http.StatusBadRequest)
		return
	}
	// One resolution may walk the whole fallback chain.
	ctx, cancel := context.WithTimeout(r.Context(), 3*timeout)
	defer cancel()

	q, err := svc.Resolve(ctx, ticker, isin)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, q)
}

type batchBody struct {
	Instruments []quote.Identity `json:"instruments"`
}

type batchResponse struct {
	Quotes map[string]*quote.Quote `json:"quotes"`
}

func handleQuoteBatch(w http.ResponseWriter, r *http.Request, svc quoteService, timeout time.Duration) {
	var b batchBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if len(b.Instruments) == 0 {
		http.Error(w, "instruments cannot be empty", http.StatusBadRequest)
		return
	}
	if len(b.Instruments) > 100 {
		http.Error(w, "too many instruments (max 100)", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*timeout*time.Duration(len(b.Instruments)))
	defer cancel()

	writeJSON(w, batchResponse{Quotes: svc.ResolveBatch(ctx, b.Instruments)})
}

func handleChange(w http.ResponseWriter, r *http.Request, svc quoteService, timeout time.Duration) {
	ticker := strings.TrimSpace(r.URL.Query().Get("ticker"))
	isin := strings.TrimSpace(r.URL.Query().Get("isin"))
	if ticker == "" && isin == "" {
		http.Error(w, "ticker or isin query param required", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*timeout)
	defer cancel()

	dc, err := svc.DailyChange(ctx, isin, ticker)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, dc)
}

func handleHistory(w http.ResponseWriter, r *http.Request, svc quoteService, timeout time.Duration) {
	ticker := strings.TrimSpace(r.URL.Query().Get("ticker"))
	isin := strings.TrimSpace(r.URL.Query().Get("isin"))
	period := strings.TrimSpace(r.URL.Query().Get("period"))
	if ticker == "" && isin == "" {
		http.Error(w, "ticker or isin query param required", http.StatusBadRequest)
		return
	}
	if period == "" {
		period = "6mo"
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*timeout)
	defer cancel()

	s, err := svc.History(ctx, ticker, isin, period)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, s)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
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

func withJSONHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withGzip compresses the response when the client supports gzip.
func withGzip(next http.Handler) http.Handler {
	var gzPool = sync.Pool{New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	}}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		gz := gzPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			_ = gz.Close()
			gz.Reset(io.Discard)
			gzPool.Put(gz)
		}()
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		gw := gzipResponseWriter{ResponseWriter: w, Writer: gz}
		next.ServeHTTP(gw, r)
	})
}

type gzipResponseWriter struct {
	http.ResponseWriter
	Writer io.Writer
}

func (g gzipResponseWriter) Write(b []byte) (int, error) {
	return g.Writer.Write(b)
}

// limitBody caps request body size to avoid memory abuse.
func limitBody(next http.Handler) http.Handler {
	const maxBody = 1 << 20 // 1MB
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		}
		next.ServeHTTP(w, r)
	})
}

// recoverPanic protects handlers from panics.
func recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
