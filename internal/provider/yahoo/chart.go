package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Chart is the decoded result block of a chart API response.
type Chart struct {
	Meta       Meta       `json:"meta"`
	Timestamp  []int64    `json:"timestamp"`
	Indicators Indicators `json:"indicators"`
}

type Meta struct {
	Currency           string  `json:"currency"`
	Symbol             string  `json:"symbol"`
	ExchangeName       string  `json:"exchangeName"`
	InstrumentType     string  `json:"instrumentType"`
	RegularMarketTime  int64   `json:"regularMarketTime"`
	RegularMarketPrice float64 `json:"regularMarketPrice"`
	ChartPreviousClose float64 `json:"chartPreviousClose"`
	PreviousClose      float64 `json:"previousClose"`
	ShortName          string  `json:"shortName"`
	LongName           string  `json:"longName"`
}

type Indicators struct {
	Quote []struct {
		// Pointers: the API emits null for days without a trade.
		Close []*float64 `json:"close"`
		Open  []*float64 `json:"open"`
		High  []*float64 `json:"high"`
		Low   []*float64 `json:"low"`
	} `json:"quote"`
}

type chartResponse struct {
	Chart struct {
		Result []Chart `json:"result"`
		Error  *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// apiError marks a reachable-but-unresolvable symbol (chart.error or an
// empty result set), as opposed to transport or decode failures.
type apiError struct {
	code string
	desc string
}

func (e *apiError) Error() string { return fmt.Sprintf("yahoo api error: %s - %s", e.code, e.desc) }

// GetChart fetches /v8/finance/chart for one symbol.
func (c *Client) GetChart(ctx context.Context, symbol, rng, interval string) (*Chart, error) {
	q := url.Values{}
	q.Set("range", rng)
	q.Set("interval", interval)
	q.Set("includePrePost", "false")

	u := fmt.Sprintf("%s/v8/finance/chart/%s?%s", c.baseURL, url.PathEscape(symbol), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header = c.header.Clone()
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer res.Body.Close()

	// 404 carries a JSON error body describing the unknown symbol.
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNotFound {
		return nil, fmt.Errorf("unexpected status code: %d", res.StatusCode)
	}

	var body chartResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding chart response: %w", err)
	}
	if body.Chart.Error != nil {
		return nil, &apiError{code: body.Chart.Error.Code, desc: body.Chart.Error.Description}
	}
	if len(body.Chart.Result) == 0 {
		return nil, &apiError{code: "empty", desc: "no result for " + symbol}
	}
	return &body.Chart.Result[0], nil
}
