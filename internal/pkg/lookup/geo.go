package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// GeoLocator turns an IP address into a "City, Region, Country" label using
// an HTTP lookup service. Results are cached in Redis.
type GeoLocator struct {
	client      *http.Client
	redis       *redis.Client
	urlTemplate string // e.g. https://ipapi.co/%s/json/
	timeout     time.Duration
	cacheTTL    time.Duration
	logger      *zap.Logger
}

func NewGeoLocator(client *http.Client, rdb *redis.Client, urlTemplate string, timeout, cacheTTL time.Duration, logger *zap.Logger) *GeoLocator {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &GeoLocator{
		client:      client,
		redis:       rdb,
		urlTemplate: urlTemplate,
		timeout:     timeout,
		cacheTTL:    cacheTTL,
		logger:      logger,
	}
}

type geoResponse struct {
	City        string `json:"city"`
	Region      string `json:"region"`
	CountryName string `json:"country_name"`
	Error       bool   `json:"error"`
	Reason      string `json:"reason"`
}

// Locate returns Unknown for private addresses, lookup failures and timeouts.
func (g *GeoLocator) Locate(ctx context.Context, ip string) string {
	if !IsPublicIP(ip) || g.urlTemplate == "" {
		return Unknown
	}

	key := fmt.Sprintf("geo:%s", ip)
	if g.redis != nil {
		if cached, err := g.redis.Get(ctx, key).Result(); err == nil {
			return cached
		}
	}

	location, err := WithTimeout(ctx, g.timeout, Unknown, func(ctx context.Context) (string, error) {
		return g.fetch(ctx, ip)
	})
	if err != nil {
		g.logger.Debug("geolocation lookup failed", zap.String("ip", ip), zap.Error(err))
		return Unknown
	}

	if g.redis != nil && location != Unknown {
		if err := g.redis.Set(ctx, key, location, g.cacheTTL).Err(); err != nil {
			g.logger.Warn("failed to cache geolocation", zap.String("ip", ip), zap.Error(err))
		}
	}
	return location
}

func (g *GeoLocator) fetch(ctx context.Context, ip string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(g.urlTemplate, ip), nil)
	if err != nil {
		return "", err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geolocation service returned %d", resp.StatusCode)
	}

	var body geoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode geolocation response: %w", err)
	}
	if body.Error {
		return "", fmt.Errorf("geolocation service error: %s", body.Reason)
	}

	return formatLocation(body), nil
}

func formatLocation(r geoResponse) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{r.City, r.Region, r.CountryName} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return Unknown
	}
	return strings.Join(parts, ", ")
}
