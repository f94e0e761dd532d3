package avatar

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultSteamEndpoint is ISteamUser/GetPlayerSummaries v2.
	DefaultSteamEndpoint = "https://api.steampowered.com/ISteamUser/GetPlayerSummaries/v2/"
	// steamBatchSize is the documented steamids limit per request.
	steamBatchSize = 100
	maxSteamBody   = 4 << 20
)

// SteamClient resolves avatar URLs with GetPlayerSummaries.
type SteamClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewSteamClient builds a client. An empty apiKey yields a client whose
// lookups fail with ErrNotConfigured. ratePerSec<=0 disables throttling.
func NewSteamClient(endpoint, apiKey string, timeout time.Duration, ratePerSec float64) *SteamClient {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = DefaultSteamEndpoint
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
		burst = int(ratePerSec)
		if burst < 1 {
			burst = 1
		}
	}
	return &SteamClient{
		endpoint: endpoint,
		apiKey:   strings.TrimSpace(apiKey),
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// Configured reports whether an API key is present.
func (c *SteamClient) Configured() bool {
	return c != nil && c.apiKey != ""
}

type playerSummaries struct {
	Response struct {
		Players []struct {
			SteamID      string `json:"steamid"`
			AvatarFull   string `json:"avatarfull"`
			AvatarMedium string `json:"avatarmedium"`
			Avatar       string `json:"avatar"`
		} `json:"players"`
	} `json:"response"`
}

// Lookup resolves ids in batches of at most 100. Results from batches that
// succeeded are returned even when a later batch fails.
func (c *SteamClient) Lookup(ctx context.Context, subjectIDs []string) (map[string]string, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	out := make(map[string]string, len(subjectIDs))
	for start := 0; start < len(subjectIDs); start += steamBatchSize {
		end := start + steamBatchSize
		if end > len(subjectIDs) {
			end = len(subjectIDs)
		}
		if err := c.fetchBatch(ctx, subjectIDs[start:end], out); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (c *SteamClient) fetchBatch(ctx context.Context, ids []string, out map[string]string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("avatar: steam rate limit: %w", err)
	}
	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("steamids", strings.Join(ids, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("avatar: steam request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("avatar: steam request: %w", redactKey(err, c.apiKey))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSteamBody))
	if err != nil {
		return fmt.Errorf("avatar: steam read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("avatar: steam status %d", resp.StatusCode)
	}
	var decoded playerSummaries
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("avatar: steam decode: %w", err)
	}
	for _, p := range decoded.Response.Players {
		if u := firstNonEmpty(p.AvatarFull, p.AvatarMedium, p.Avatar); u != "" && p.SteamID != "" {
			out[p.SteamID] = u
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// redactKey keeps the API key out of logged transport errors, which embed
// the request URL.
func redactKey(err error, key string) error {
	if key == "" || !strings.Contains(err.Error(), key) {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), key, "REDACTED"))
}
