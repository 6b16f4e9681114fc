// Package geocode resolves coordinates into a city and state through the
// LocationIQ reverse geocoding API.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"transit-sync/internal/config"
	"transit-sync/internal/domain/vehicle"
)

type Address struct {
	City  string `json:"city"`
	State string `json:"state"`
	// Cached is set when the address came from the cache rather than the
	// provider.
	Cached bool `json:"-"`
}

// Complete reports whether both city and state are known.
func (a Address) Complete() bool {
	return a.City != "" && a.State != ""
}

// Geocoder returns ok=false when the service answered but the address is
// incomplete.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) (Address, bool, error)
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(cfg config.GeocodingConfig, log zerolog.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     log,
	}
}

type reverseResponse struct {
	Address struct {
		City         string `json:"city"`
		Town         string `json:"town"`
		Municipality string `json:"municipality"`
		State        string `json:"state"`
	} `json:"address"`
}

func (c *Client) ReverseGeocode(ctx context.Context, lat, lon float64) (Address, bool, error) {
	q := url.Values{
		"key":    {c.apiKey},
		"lat":    {strconv.FormatFloat(lat, 'f', -1, 64)},
		"lon":    {strconv.FormatFloat(lon, 'f', -1, 64)},
		"format": {"json"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return Address{}, false, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Address{}, false, err
		}
		return Address{}, false, fmt.Errorf("%w: reverse geocode: %v", vehicle.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Address{}, false, fmt.Errorf("%w: reverse geocode status %d: %s",
			vehicle.ErrExternalService, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out reverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Address{}, false, fmt.Errorf("%w: decode reverse geocode: %v", vehicle.ErrExternalService, err)
	}

	city := firstNonEmpty(out.Address.City, out.Address.Town, out.Address.Municipality)
	addr := NormalizeAddress(Address{City: city, State: out.Address.State})
	if !addr.Complete() {
		c.log.Debug().Float64("lat", lat).Float64("lon", lon).Msg("reverse geocode returned an incomplete address")
		return addr, false, nil
	}
	return addr, true, nil
}

const regionPrefix = "Região Geográfica Imediata de"

// NormalizeAddress strips the statistical region prefix some results carry
// in place of a city and maps the English name of the federal district.
func NormalizeAddress(a Address) Address {
	if strings.Contains(a.City, "Região Geográfica") {
		a.City = strings.TrimSpace(strings.Replace(a.City, regionPrefix, "", 1))
	}
	if a.State == "Federal District" {
		a.State = "Distrito Federal"
	}
	a.City = strings.TrimSpace(a.City)
	a.State = strings.TrimSpace(a.State)
	return a
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ Geocoder = (*Client)(nil)
