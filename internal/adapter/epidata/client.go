// Package epidata is a client for the Delphi Epidata API, covering the
// endpoints the sensors read from: fluview, gft, ght, twitter, wiki, cdc,
// quidel, and delphi (forecast) rows.
//
// Every response arrives in a common envelope with a result code. Result 1
// carries rows, result -2 means the query matched nothing. The client maps
// -2 to an empty, non-error result because absent weeks are routine when
// fetching near the data frontier; callers decide whether absence is fatal.
package epidata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/flu-nowcast/internal/epiweek"
	"github.com/couchcryptid/flu-nowcast/internal/observability"
)

// Auth holds optional per-endpoint API tokens. Fluview works without one;
// the ght, twitter, cdc, and quidel endpoints refuse unauthenticated queries.
type Auth struct {
	Fluview string
	GHT     string
	Twitter string
	CDC     string
	Quidel  string
}

// Client queries the Delphi Epidata API over HTTP with an LRU response cache.
type Client struct {
	requester requester
	auth      Auth
	logger    *slog.Logger
}

// NewClient creates an epidata client. Responses with rows are cached up to
// cacheSize entries keyed by the full query.
func NewClient(baseURL string, auth Auth, timeout time.Duration, cacheSize int, metrics *observability.Metrics, logger *slog.Logger) *Client {
	httpReq := &httpRequester{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		metrics:    metrics,
		logger:     logger,
	}
	return &Client{
		requester: newCachedRequester(httpReq, cacheSize, metrics),
		auth:      auth,
		logger:    logger,
	}
}

// FluviewRow is one ILINet publication record.
type FluviewRow struct {
	Region       string       `json:"region"`
	Epiweek      epiweek.Week `json:"epiweek"`
	Issue        epiweek.Week `json:"issue"`
	Lag          int          `json:"lag"`
	NumILI       float64      `json:"num_ili"`
	NumPatients  float64      `json:"num_patients"`
	NumProviders float64      `json:"num_providers"`
	WILI         float64      `json:"wili"`
	ILI          float64      `json:"ili"`
}

// GFTRow is one Google Flu Trends record.
type GFTRow struct {
	Location string       `json:"location"`
	Epiweek  epiweek.Week `json:"epiweek"`
	Num      float64      `json:"num"`
}

// GHTRow is one Google Health Trends record.
type GHTRow struct {
	Location string       `json:"location"`
	Epiweek  epiweek.Week `json:"epiweek"`
	Value    float64      `json:"value"`
}

// TwitterRow is one HealthTweets record.
type TwitterRow struct {
	Location string       `json:"location"`
	Epiweek  epiweek.Week `json:"epiweek"`
	Num      float64      `json:"num"`
	Total    float64      `json:"total"`
	Percent  float64      `json:"percent"`
}

// WikiRow is one Wikipedia access count record for a single article and hour.
type WikiRow struct {
	Article string       `json:"article"`
	Hour    int          `json:"hour"`
	Epiweek epiweek.Week `json:"epiweek"`
	Count   float64      `json:"count"`
	Total   float64      `json:"total"`
	Value   float64      `json:"value"`
}

// CDCRow is one CDC page hits record.
type CDCRow struct {
	Location string       `json:"location"`
	Epiweek  epiweek.Week `json:"epiweek"`
	Num1     float64      `json:"num1"`
	Num2     float64      `json:"num2"`
	Num3     float64      `json:"num3"`
	Num4     float64      `json:"num4"`
	Num5     float64      `json:"num5"`
	Num6     float64      `json:"num6"`
	Num7     float64      `json:"num7"`
	Num8     float64      `json:"num8"`
	Total    float64      `json:"total"`
}

// QuidelRow is one Quidel flu test record.
type QuidelRow struct {
	Location string       `json:"location"`
	Epiweek  epiweek.Week `json:"epiweek"`
	Value    float64      `json:"value"`
}

// Forecast is the payload of one delphi endpoint row, keyed by location.
type Forecast struct {
	Data map[string]ForecastLocation `json:"data"`
}

// ForecastLocation holds the per-location distributions of a forecast. Only
// the one-week-ahead point prediction is used here.
type ForecastLocation struct {
	X1 ForecastPoint `json:"x1"`
}

// ForecastPoint is a point prediction.
type ForecastPoint struct {
	Point float64 `json:"point"`
}

// Fluview fetches stable (most recent issue) ILINet rows for one region.
func (c *Client) Fluview(ctx context.Context, region string, from, to epiweek.Week) ([]FluviewRow, error) {
	return c.fluview(ctx, region, from, to, 0)
}

// FluviewIssue fetches ILINet rows for one region as they were published in
// the given issue.
func (c *Client) FluviewIssue(ctx context.Context, region string, from, to, issue epiweek.Week) ([]FluviewRow, error) {
	return c.fluview(ctx, region, from, to, issue)
}

// FluviewLag fetches ILINet rows for one region as they were published lag
// weeks after collection.
func (c *Client) FluviewLag(ctx context.Context, region string, from, to epiweek.Week, lag int) ([]FluviewRow, error) {
	params := url.Values{
		"regions":  {region},
		"epiweeks": {weekRange(from, to)},
		"lag":      {strconv.Itoa(lag)},
	}
	if c.auth.Fluview != "" {
		params.Set("auth", c.auth.Fluview)
	}
	var rows []FluviewRow
	if err := c.fetchRows(ctx, "fluview", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) fluview(ctx context.Context, region string, from, to, issue epiweek.Week) ([]FluviewRow, error) {
	params := url.Values{
		"regions":  {region},
		"epiweeks": {weekRange(from, to)},
	}
	if issue != 0 {
		params.Set("issues", strconv.Itoa(int(issue)))
	}
	if c.auth.Fluview != "" {
		params.Set("auth", c.auth.Fluview)
	}
	var rows []FluviewRow
	if err := c.fetchRows(ctx, "fluview", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// GFT fetches Google Flu Trends rows for one location.
func (c *Client) GFT(ctx context.Context, location string, from, to epiweek.Week) ([]GFTRow, error) {
	params := url.Values{
		"locations": {location},
		"epiweeks":  {weekRange(from, to)},
	}
	var rows []GFTRow
	if err := c.fetchRows(ctx, "gft", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// GHT fetches Google Health Trends rows for one query term and location.
func (c *Client) GHT(ctx context.Context, query, location string, from, to epiweek.Week) ([]GHTRow, error) {
	if c.auth.GHT == "" {
		return nil, fmt.Errorf("epidata: ght auth token not configured")
	}
	params := url.Values{
		"auth":      {c.auth.GHT},
		"locations": {location},
		"epiweeks":  {weekRange(from, to)},
		"query":     {query},
	}
	var rows []GHTRow
	if err := c.fetchRows(ctx, "ght", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Twitter fetches HealthTweets rows for one location.
func (c *Client) Twitter(ctx context.Context, location string, from, to epiweek.Week) ([]TwitterRow, error) {
	if c.auth.Twitter == "" {
		return nil, fmt.Errorf("epidata: twitter auth token not configured")
	}
	params := url.Values{
		"auth":      {c.auth.Twitter},
		"locations": {location},
		"epiweeks":  {weekRange(from, to)},
	}
	var rows []TwitterRow
	if err := c.fetchRows(ctx, "twitter", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Wiki fetches Wikipedia access count rows for the given articles and hours.
func (c *Client) Wiki(ctx context.Context, articles []string, hours []int, from, to epiweek.Week) ([]WikiRow, error) {
	hourStrs := make([]string, len(hours))
	for i, h := range hours {
		hourStrs[i] = strconv.Itoa(h)
	}
	params := url.Values{
		"articles": {strings.Join(articles, ",")},
		"hours":    {strings.Join(hourStrs, ",")},
		"epiweeks": {weekRange(from, to)},
		"language": {"en"},
	}
	var rows []WikiRow
	if err := c.fetchRows(ctx, "wiki", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// CDC fetches CDC page hit rows for one location.
func (c *Client) CDC(ctx context.Context, location string, from, to epiweek.Week) ([]CDCRow, error) {
	if c.auth.CDC == "" {
		return nil, fmt.Errorf("epidata: cdc auth token not configured")
	}
	params := url.Values{
		"auth":      {c.auth.CDC},
		"locations": {location},
		"epiweeks":  {weekRange(from, to)},
	}
	var rows []CDCRow
	if err := c.fetchRows(ctx, "cdc", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Quidel fetches Quidel flu test rows for one location.
func (c *Client) Quidel(ctx context.Context, location string, from, to epiweek.Week) ([]QuidelRow, error) {
	if c.auth.Quidel == "" {
		return nil, fmt.Errorf("epidata: quidel auth token not configured")
	}
	params := url.Values{
		"auth":      {c.auth.Quidel},
		"locations": {location},
		"epiweeks":  {weekRange(from, to)},
	}
	var rows []QuidelRow
	if err := c.fetchRows(ctx, "quidel", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// DelphiForecast fetches the forecast one system published for one epiweek.
// Returns nil when the system has no forecast for that week.
func (c *Client) DelphiForecast(ctx context.Context, system string, week epiweek.Week) (*Forecast, error) {
	params := url.Values{
		"system":  {system},
		"epiweek": {strconv.Itoa(int(week))},
	}
	var rows []struct {
		Forecast Forecast `json:"forecast"`
	}
	if err := c.fetchRows(ctx, "delphi", params, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0].Forecast, nil
}

// MostRecentIssue returns the highest ILINet issue published over the ten
// weeks up to and including asOf.
func (c *Client) MostRecentIssue(ctx context.Context, asOf epiweek.Week) (epiweek.Week, error) {
	rows, err := c.Fluview(ctx, "nat", asOf.Add(-9), asOf)
	if err != nil {
		return 0, fmt.Errorf("most recent issue: %w", err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("most recent issue: no fluview rows in %d-%d", asOf.Add(-9), asOf)
	}
	var issue epiweek.Week
	for _, row := range rows {
		if row.Issue > issue {
			issue = row.Issue
		}
	}
	return issue, nil
}

// fetchRows runs one query and decodes the envelope's rows into dst.
// dst is left empty when the query matched no rows.
func (c *Client) fetchRows(ctx context.Context, endpoint string, params url.Values, dst any) error {
	raw, err := c.requester.fetch(ctx, endpoint, params)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("epidata %s: decode rows: %w", endpoint, err)
	}
	return nil
}

// weekRange formats an inclusive epiweek range in the API's "from-to" form.
func weekRange(from, to epiweek.Week) string {
	if from == to {
		return strconv.Itoa(int(from))
	}
	return fmt.Sprintf("%d-%d", from, to)
}

// requester abstracts the HTTP layer so responses can be cached.
type requester interface {
	fetch(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error)
}

// envelope is the common API response wrapper.
type envelope struct {
	Result  int             `json:"result"`
	Message string          `json:"message"`
	Epidata json.RawMessage `json:"epidata"`
}

// Result codes used by the API.
const (
	resultSuccess = 1
	resultNoData  = -2
)

type httpRequester struct {
	httpClient *http.Client
	baseURL    string
	metrics    *observability.Metrics
	logger     *slog.Logger
}

func (r *httpRequester) fetch(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	fullURL := r.baseURL + "/" + endpoint + "/?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	r.metrics.EpidataAPIDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		r.metrics.EpidataRequests.WithLabelValues(endpoint, "error").Inc()
		return nil, fmt.Errorf("epidata %s request: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.metrics.EpidataRequests.WithLabelValues(endpoint, "error").Inc()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("epidata %s: status %d: %s", endpoint, resp.StatusCode, body)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		r.metrics.EpidataRequests.WithLabelValues(endpoint, "error").Inc()
		return nil, fmt.Errorf("epidata %s: decode envelope: %w", endpoint, err)
	}

	switch env.Result {
	case resultSuccess:
		r.metrics.EpidataRequests.WithLabelValues(endpoint, "success").Inc()
		return env.Epidata, nil
	case resultNoData:
		r.metrics.EpidataRequests.WithLabelValues(endpoint, "empty").Inc()
		r.logger.Debug("epidata query matched no rows", "endpoint", endpoint)
		return nil, nil
	default:
		r.metrics.EpidataRequests.WithLabelValues(endpoint, "error").Inc()
		return nil, fmt.Errorf("epidata %s: result %d: %s", endpoint, env.Result, env.Message)
	}
}
