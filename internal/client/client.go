// Package client is the consumer-side licensing client: it activates the
// local machine against the license server, validates with a short-lived
// result cache, and keeps the binding alive with periodic heartbeats.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"callpulse/internal/config"
	apperrors "callpulse/internal/errors"
	"callpulse/internal/fingerprint"
	"callpulse/internal/license"
)

// Client talks to the license server on behalf of one machine.
type Client struct {
	cfg          config.ClientConfig
	httpClient   *http.Client
	fingerprints *fingerprint.Generator
	cache        *validationCache
	logger       *slog.Logger

	mu          sync.RWMutex
	licenseKey  string
	fingerprint string
	current     *license.License
}

// New creates a licensing client. The machine fingerprint is computed
// locally and reused for every call.
func New(cfg config.ClientConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:          cfg,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		fingerprints: fingerprint.New(logger),
		cache:        newValidationCache(cfg.PositiveCacheTTL, cfg.NegativeCacheTTL),
		logger:       logger.With(slog.String("component", "license_client")),
	}
}

// Close stops the cache sweeper.
func (c *Client) Close() {
	c.cache.stop()
}

// Fingerprint returns the machine fingerprint this client binds to.
func (c *Client) Fingerprint() string {
	c.mu.RLock()
	if c.fingerprint != "" {
		fp := c.fingerprint
		c.mu.RUnlock()
		return fp
	}
	c.mu.RUnlock()
	return c.fingerprints.Local()
}

// Current returns the last license snapshot received from the server, nil
// before the first successful activation or validation.
func (c *Client) Current() *license.License {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

type serverResponse struct {
	Success *bool            `json:"success,omitempty"`
	Valid   *bool            `json:"valid,omitempty"`
	Code    string           `json:"code,omitempty"`
	Error   string           `json:"error,omitempty"`
	License *license.License `json:"license,omitempty"`

	MachineFingerprint string `json:"machine_fingerprint,omitempty"`
}

func (sr *serverResponse) ok() bool {
	if sr.Success != nil {
		return *sr.Success
	}
	if sr.Valid != nil {
		return *sr.Valid
	}
	return false
}

// Activate binds this machine to the given license key. Activation always
// goes to the server, never the cache, and a success resets the cache so
// stale denials from before the activation disappear.
func (c *Client) Activate(ctx context.Context, licenseKey string) (*license.License, error) {
	licenseKey = strings.ToUpper(strings.TrimSpace(licenseKey))
	if !license.ValidKeyFormat(licenseKey) {
		return nil, apperrors.ErrInvalidKeyFormat
	}

	fp := c.fingerprints.Local()
	resp, err := c.post(ctx, "/api/license/activate", map[string]interface{}{
		"license_key":         licenseKey,
		"machine_fingerprint": fp,
	})
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, denialError(resp)
	}

	c.mu.Lock()
	c.licenseKey = licenseKey
	c.fingerprint = fp
	c.current = resp.License
	c.mu.Unlock()
	c.cache.invalidate()

	c.logger.Info("license activated",
		slog.String("key", license.MaskKey(licenseKey)),
		slog.String("fingerprint", fp))

	return resp.License, nil
}

// Validate checks the held license against the server, serving repeated
// calls from the result cache. Server unreachability fails closed: the
// denial is cached under the negative TTL like any other.
func (c *Client) Validate(ctx context.Context) (*license.License, error) {
	c.mu.RLock()
	key, fp := c.licenseKey, c.fingerprint
	c.mu.RUnlock()
	if key == "" {
		return nil, apperrors.ErrNoLicense
	}

	if cached, ok := c.cache.get(key, fp); ok {
		if cached.Valid {
			return cached.License, nil
		}
		return nil, cached.Err
	}

	resp, err := c.post(ctx, "/api/license/validate", map[string]interface{}{
		"license_key":         key,
		"machine_fingerprint": fp,
	})
	if err != nil {
		c.cache.set(key, fp, Result{Valid: false, Code: apperrors.LicenseCode(err), Err: err})
		c.logger.Warn("license validation failed closed",
			slog.String("key", license.MaskKey(key)),
			slog.String("error", err.Error()))
		return nil, err
	}

	if !resp.ok() {
		denial := denialError(resp)
		c.cache.set(key, fp, Result{Valid: false, Code: resp.Code, Err: denial})
		return nil, denial
	}

	c.mu.Lock()
	c.current = resp.License
	c.mu.Unlock()
	c.cache.set(key, fp, Result{Valid: true, Code: "", License: resp.License})

	return resp.License, nil
}

// SendHeartbeat refreshes the activation's last-seen timestamp. Best
// effort: failures are logged, not returned upward beyond the error.
func (c *Client) SendHeartbeat(ctx context.Context) error {
	c.mu.RLock()
	key, fp := c.licenseKey, c.fingerprint
	c.mu.RUnlock()
	if key == "" {
		return apperrors.ErrNoLicense
	}

	resp, err := c.post(ctx, "/api/license/heartbeat", map[string]interface{}{
		"license_key":         key,
		"machine_fingerprint": fp,
	})
	if err != nil {
		return err
	}
	if !resp.ok() {
		return denialError(resp)
	}
	return nil
}

// RunHeartbeat sends heartbeats at the configured interval until ctx is
// cancelled.
func (c *Client) RunHeartbeat(ctx context.Context) {
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.SendHeartbeat(ctx); err != nil {
				c.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			return
		}
	}
}

// HasFeature reports whether the last known license grants the feature.
func (c *Client) HasFeature(name string) bool {
	lic := c.Current()
	return lic != nil && lic.HasFeature(name)
}

// CanUseAgents reports whether the last known license allows count agents.
func (c *Client) CanUseAgents(count int) bool {
	lic := c.Current()
	return lic != nil && count <= lic.MaxAgents
}

// CanMakeCalls reports whether the last known license allows count calls
// this month.
func (c *Client) CanMakeCalls(count int) bool {
	lic := c.Current()
	return lic != nil && count <= lic.MaxCallsPerMonth
}

// Expired reports whether the last known license has passed its expiry
// date. A license without an expiry never expires; holding no license
// reports expired, matching the deny-by-default posture of the other
// predicates.
func (c *Client) Expired() bool {
	lic := c.Current()
	if lic == nil {
		return true
	}
	return lic.Expired(time.Now())
}

// CacheStats exposes the validation cache counters for debugging.
func (c *Client) CacheStats() (entries int, hits, misses int64) {
	return c.cache.stats()
}

// post sends a JSON request and decodes the response body regardless of
// status: the server expresses denials in the body, not just the status.
func (c *Client) post(ctx context.Context, path string, body map[string]interface{}) (*serverResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.ServerURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrIssuerTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrIssuerUnreachable, err)
	}
	defer resp.Body.Close()

	var decoded serverResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", apperrors.ErrIssuerUnreachable, err)
	}
	return &decoded, nil
}

// denialError maps a denial response back to the matching sentinel so
// callers branch with errors.Is the same way server-side code does.
func denialError(resp *serverResponse) error {
	switch resp.Code {
	case apperrors.CodeInvalidKey:
		return apperrors.ErrInvalidKey
	case apperrors.CodeInvalidFormat:
		return apperrors.ErrInvalidKeyFormat
	case apperrors.CodeRevoked:
		return apperrors.ErrRevoked
	case apperrors.CodeExpired:
		return apperrors.ErrExpired
	case apperrors.CodeNotActive:
		return apperrors.ErrNotActive
	case apperrors.CodeActivationLimit:
		return apperrors.ErrActivationLimit
	case apperrors.CodeNotActivated:
		return apperrors.ErrNotActivated
	default:
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return apperrors.ErrInvalidKey
	}
}
