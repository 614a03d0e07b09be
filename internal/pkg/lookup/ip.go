package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

const Unknown = "Unknown"

// IPResolver returns the public address of a client. The request address is
// trusted when it is public; private and loopback addresses (local
// development, in-cluster proxies) are resolved through an echo service.
type IPResolver struct {
	client  *http.Client
	echoURL string
	timeout time.Duration
}

func NewIPResolver(client *http.Client, echoURL string, timeout time.Duration) *IPResolver {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &IPResolver{client: client, echoURL: echoURL, timeout: timeout}
}

// Resolve never fails: on timeout or error it falls back to the request
// address, or Unknown when that is empty.
func (r *IPResolver) Resolve(ctx context.Context, requestIP string) string {
	requestIP = strings.TrimSpace(requestIP)
	if IsPublicIP(requestIP) {
		return requestIP
	}

	fallback := requestIP
	if fallback == "" {
		fallback = Unknown
	}
	if r.echoURL == "" {
		return fallback
	}

	return Value(ctx, r.timeout, fallback, r.echo)
}

func (r *IPResolver) echo(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.echoURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ip echo returned %d", resp.StatusCode)
	}

	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode ip echo response: %w", err)
	}
	if net.ParseIP(body.IP) == nil {
		return "", fmt.Errorf("ip echo returned invalid address %q", body.IP)
	}
	return body.IP, nil
}

// IsPublicIP reports whether ip parses and is globally routable.
func IsPublicIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return !(parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsUnspecified() ||
		parsed.IsLinkLocalUnicast() || parsed.IsLinkLocalMulticast())
}
