// chartdump fetches the raw justETF quote and performance-chart payloads
// for one ISIN and pretty-prints them. Debug tool for inspecting upstream
// response shapes when the adapter's extraction stops matching.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"

	"quotefeed/internal/config"
	"quotefeed/internal/httpx"
)

func main() {
	_ = godotenv.Load()

	var isin, period, configPath string
	var timeout int
	flag.StringVar(&isin, "isin", os.Getenv("ISIN"), "ISIN to dump")
	flag.StringVar(&period, "from", "", "chart start date YYYY-MM-DD (default 30 days ago)")
	flag.IntVar(&timeout, "timeout", 15, "request timeout seconds")
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to config.json (optional)")
	flag.Parse()

	if isin == "" {
		log.Fatal("provide -isin")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	base := cfg.JustETF.BaseURL

	from := time.Now().AddDate(0, 0, -30).Format("2006-01-02")
	if period != "" {
		from = period
	}

	hc := httpx.New(time.Duration(timeout) * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(2*timeout)*time.Second)
	defer cancel()

	quoteURL := fmt.Sprintf("%s/api/etfs/%s/quote?locale=es&currency=EUR", base, url.PathEscape(isin))
	dump(ctx, hc, "quote", quoteURL, base, isin)

	q := url.Values{}
	q.Set("locale", "es")
	q.Set("currency", "EUR")
	q.Set("valuesType", "MARKET_VALUE")
	q.Set("reduceData", "false")
	q.Set("includeDividends", "true")
	q.Set("dateFrom", from)
	q.Set("dateTo", time.Now().Format("2006-01-02"))
	chartURL := fmt.Sprintf("%s/api/etfs/%s/performance-chart?%s", base, url.PathEscape(isin), q.Encode())
	dump(ctx, hc, "performance-chart", chartURL, base, isin)
}

func dump(ctx context.Context, hc *httpx.Client, name, u, base, isin string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		log.Fatalf("%s request: %v", name, err)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Referer", fmt.Sprintf("%s/es/etf-profile.html?isin=%s", base, url.QueryEscape(isin)))

	res, err := hc.Do(ctx, req)
	if err != nil {
		log.Fatalf("%s: %v", name, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		log.Fatalf("%s read: %v", name, err)
	}
	fmt.Printf("== %s (%d) %s\n", name, res.StatusCode, u)

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Println(pretty.String())
}
