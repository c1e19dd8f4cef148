package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const (
	defaultRobotsTTL = 24 * time.Hour
	maxRobotsBytes   = 1 << 20
)

// RobotsGate answers robots.txt questions with a per-host cache. Hosts whose
// robots.txt cannot be fetched, or answers with a non-2xx status, are treated
// as allowing everything.
type RobotsGate struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	clock     Clock
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]robotsEntry
}

type robotsEntry struct {
	data      *robotstxt.RobotsData
	fetchedAt time.Time
}

// RobotsConfig controls the gate.
type RobotsConfig struct {
	Enabled   bool
	UserAgent string
	Timeout   time.Duration
	TTL       time.Duration
}

// NewRobotsGate builds a RobotsPolicy. When disabled every URL is allowed.
func NewRobotsGate(cfg RobotsConfig, clock Clock, logger *zap.Logger) RobotsPolicy {
	if !cfg.Enabled {
		return allowAllPolicy{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultRobotsTTL
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RobotsGate{
		client:    &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		ttl:       cfg.TTL,
		clock:     clock,
		logger:    logger.Named("robots"),
		cache:     make(map[string]robotsEntry),
	}
}

// Allowed implements RobotsPolicy. Unparseable URLs are denied.
func (r *RobotsGate) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	data, err := r.load(ctx, parsed)
	if err != nil {
		r.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return true
	}
	group := data.FindGroup(r.userAgent)
	if group == nil {
		return true
	}
	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}
	return group.Test(path)
}

func (r *RobotsGate) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	now := r.clock.Now()

	r.mu.Lock()
	entry, ok := r.cache[hostKey]
	r.mu.Unlock()
	if ok && now.Sub(entry.fetchedAt) < r.ttl {
		return entry.data, nil
	}

	data, err := r.fetch(ctx, parsed)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[hostKey] = robotsEntry{data: data, fetchedAt: now}
	r.mu.Unlock()
	return data, nil
}

func (r *RobotsGate) fetch(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("close robots body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// robotstxt treats 5xx as disallow-all; a broken robots.txt must not
		// block the catalogue, so any non-2xx means no rules.
		return robotstxt.FromStatusAndBytes(http.StatusNotFound, nil)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

type allowAllPolicy struct{}

func (allowAllPolicy) Allowed(context.Context, string) bool { return true }
