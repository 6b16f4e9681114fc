// Package telemetry is the client for the vehicle tracking integration API.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"transit-sync/internal/config"
	"transit-sync/internal/domain/vehicle"
)

const lastPositionPath = "api/v1/UltimaPosicaoVeiculo/ListaUltimaPosicaoPorPlaca"

// ErrUnexpectedResponse marks a position list whose leading entry is not a
// position object.
var ErrUnexpectedResponse = fmt.Errorf("%w: unexpected position response", vehicle.ErrExternalService)

type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	limiter  *rate.Limiter
	log      zerolog.Logger
}

func NewClient(cfg config.TelemetryConfig, log zerolog.Logger) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // the tracking API ships a self-signed certificate
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	base := cfg.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	return &Client{
		baseURL:  base,
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{Timeout: cfg.Timeout, Transport: transport},
		limiter:  rate.NewLimiter(limit, 1),
		log:      log,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// Authenticate exchanges the configured credentials for a bearer token.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {c.username},
		// The API expects a capitalised key here.
		"Password": {c.password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"Token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out tokenResponse
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("%w: token response without access_token", vehicle.ErrUnauthorized)
	}
	return out.AccessToken, nil
}

type position struct {
	Latitude  *float64 `json:"Latitude"`
	Longitude *float64 `json:"Longitude"`
}

type lastPositionResponse struct {
	Positions []json.RawMessage `json:"Posicoes"`
}

// LastPosition returns the latest position entries for plate, newest first.
// Trailing entries that are not JSON objects are returned without
// coordinates; a malformed first entry fails with ErrUnexpectedResponse.
func (c *Client) LastPosition(ctx context.Context, token string, plate vehicle.PlateID) ([]vehicle.PositionSample, error) {
	q := url.Values{"placa": {string(plate)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+lastPositionPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var out lastPositionResponse
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("last position for %s: %w", plate, err)
	}

	samples := make([]vehicle.PositionSample, 0, len(out.Positions))
	for i, raw := range out.Positions {
		sample := vehicle.PositionSample{Plate: plate}
		var p position
		if err := json.Unmarshal(raw, &p); err != nil {
			if i == 0 {
				return nil, fmt.Errorf("%w: plate %s: %s", ErrUnexpectedResponse, plate, raw)
			}
			c.log.Warn().Str("plate", string(plate)).RawJSON("entry", raw).Msg("position entry is not an object")
		} else {
			sample.Latitude, sample.Longitude = p.Latitude, p.Longitude
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

func (c *Client) do(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", vehicle.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("telemetry request")

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", vehicle.ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", vehicle.ErrExternalService, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", vehicle.ErrExternalService, err)
	}
	return nil
}
