// Package device derives a stable identity for the browser/device a user
// signs in from.
package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldops-security/internal/pkg/lookup"

	"go.uber.org/zap"
)

// Attributes are what the client reports about itself at sign-in, plus the
// User-Agent header.
type Attributes struct {
	UserAgent           string  `json:"-"`
	Language            string  `json:"language"`
	Platform            string  `json:"platform"`
	Timezone            string  `json:"timezone"`
	ScreenWidth         int     `json:"screen_width"`
	ScreenHeight        int     `json:"screen_height"`
	ColorDepth          int     `json:"color_depth"`
	HardwareConcurrency int     `json:"hardware_concurrency"`
	DeviceMemory        float64 `json:"device_memory"`
	TouchSupport        bool    `json:"touch_support"`
	Canvas              string  `json:"canvas"`
	WebGL               string  `json:"webgl"`
}

// Fingerprint is the normalised attribute set stored with a session.
type Fingerprint struct {
	UserAgent           string  `json:"user_agent"`
	Browser             string  `json:"browser"`
	OS                  string  `json:"os"`
	Language            string  `json:"language"`
	Platform            string  `json:"platform"`
	Timezone            string  `json:"timezone"`
	Screen              string  `json:"screen"`
	ColorDepth          int     `json:"color_depth"`
	HardwareConcurrency int     `json:"hardware_concurrency"`
	DeviceMemory        float64 `json:"device_memory"`
	TouchSupport        bool    `json:"touch_support"`
	Canvas              string  `json:"canvas"`
	WebGL               string  `json:"webgl"`
}

// Probe extracts one high-entropy signal. A failing or slow probe only
// blanks its own field.
type Probe func(ctx context.Context, attrs Attributes) (string, error)

var errNotReported = errors.New("signal not reported")

// Collector computes fingerprints within a fixed time budget.
type Collector struct {
	budget time.Duration
	canvas Probe
	webgl  Probe
	logger *zap.Logger
}

type Option func(*Collector)

func WithCanvasProbe(p Probe) Option { return func(c *Collector) { c.canvas = p } }

func WithWebGLProbe(p Probe) Option { return func(c *Collector) { c.webgl = p } }

func NewCollector(budget time.Duration, logger *zap.Logger, opts ...Option) *Collector {
	c := &Collector{
		budget: budget,
		canvas: digestProbe(func(a Attributes) string { return a.Canvas }),
		webgl:  digestProbe(func(a Attributes) string { return a.WebGL }),
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ComputeFingerprint never fails. Unknown browser/OS fall back to "Unknown"
// and each probe degrades independently to an empty value.
func (c *Collector) ComputeFingerprint(ctx context.Context, attrs Attributes) Fingerprint {
	browser, os := ParseUserAgent(attrs.UserAgent)

	fp := Fingerprint{
		UserAgent:           attrs.UserAgent,
		Browser:             browser,
		OS:                  os,
		Language:            attrs.Language,
		Platform:            attrs.Platform,
		Timezone:            attrs.Timezone,
		ColorDepth:          attrs.ColorDepth,
		HardwareConcurrency: attrs.HardwareConcurrency,
		DeviceMemory:        attrs.DeviceMemory,
		TouchSupport:        attrs.TouchSupport,
	}
	if attrs.ScreenWidth > 0 && attrs.ScreenHeight > 0 {
		fp.Screen = fmt.Sprintf("%dx%d", attrs.ScreenWidth, attrs.ScreenHeight)
	}

	fp.Canvas = c.runProbe(ctx, "canvas", c.canvas, attrs)
	fp.WebGL = c.runProbe(ctx, "webgl", c.webgl, attrs)

	return fp
}

func (c *Collector) runProbe(ctx context.Context, name string, probe Probe, attrs Attributes) string {
	if probe == nil {
		return ""
	}
	v, err := lookup.WithTimeout(ctx, c.budget, "", func(ctx context.Context) (string, error) {
		return probe(ctx, attrs)
	})
	if err != nil && !errors.Is(err, errNotReported) {
		c.logger.Debug("fingerprint probe degraded", zap.String("probe", name), zap.Error(err))
	}
	return v
}

// digestProbe hashes a client-reported rendering signal. Clients send either
// the raw data URL or their own digest; both are reduced to a fixed length.
func digestProbe(field func(Attributes) string) Probe {
	return func(_ context.Context, attrs Attributes) (string, error) {
		raw := strings.TrimSpace(field(attrs))
		if raw == "" {
			return "", errNotReported
		}
		sum := sha256.Sum256([]byte(raw))
		return hex.EncodeToString(sum[:16]), nil
	}
}

// Hash is deterministic for identical fingerprints.
func Hash(fp Fingerprint) string {
	// Struct fields marshal in declaration order, so the encoding is canonical.
	b, _ := json.Marshal(fp)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DeriveLabel gives the human-readable device name, e.g. "Chrome on Windows".
func DeriveLabel(fp Fingerprint) string {
	browser, os := fp.Browser, fp.OS
	if browser == "" {
		browser = lookup.Unknown
	}
	if os == "" {
		os = lookup.Unknown
	}
	return browser + " on " + os
}
