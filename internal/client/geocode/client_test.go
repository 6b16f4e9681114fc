package geocode

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"transit-sync/internal/config"
	"transit-sync/internal/domain/vehicle"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		name string
		in   Address
		want Address
	}{
		{
			name: "plain",
			in:   Address{City: "Campinas", State: "São Paulo"},
			want: Address{City: "Campinas", State: "São Paulo"},
		},
		{
			name: "immediate region prefix",
			in:   Address{City: "Região Geográfica Imediata de Campinas", State: "São Paulo"},
			want: Address{City: "Campinas", State: "São Paulo"},
		},
		{
			name: "federal district",
			in:   Address{City: "Brasília", State: "Federal District"},
			want: Address{City: "Brasília", State: "Distrito Federal"},
		},
		{
			name: "other region wording kept",
			in:   Address{City: "Região Geográfica Intermediária de Bauru", State: "São Paulo"},
			want: Address{City: "Região Geográfica Intermediária de Bauru", State: "São Paulo"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeAddress(tt.in))
		})
	}
}

func TestReverseGeocode(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		want   Address
		wantOK bool
	}{
		{
			name:   "city",
			body:   `{"address":{"city":"Campinas","town":"Barão Geraldo","state":"São Paulo"}}`,
			want:   Address{City: "Campinas", State: "São Paulo"},
			wantOK: true,
		},
		{
			name:   "town fallback",
			body:   `{"address":{"town":"Paulínia","state":"São Paulo"}}`,
			want:   Address{City: "Paulínia", State: "São Paulo"},
			wantOK: true,
		},
		{
			name:   "municipality fallback normalized",
			body:   `{"address":{"municipality":"Região Geográfica Imediata de Jundiaí","state":"São Paulo"}}`,
			want:   Address{City: "Jundiaí", State: "São Paulo"},
			wantOK: true,
		},
		{
			name: "missing state",
			body: `{"address":{"city":"Campinas"}}`,
			want: Address{City: "Campinas"},
		},
		{
			name: "no address",
			body: `{}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				q := r.URL.Query()
				assert.Equal(t, "k-1", q.Get("key"))
				assert.Equal(t, "-22.9", q.Get("lat"))
				assert.Equal(t, "-47.06", q.Get("lon"))
				assert.Equal(t, "json", q.Get("format"))
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(config.GeocodingConfig{BaseURL: srv.URL, APIKey: "k-1", Timeout: time.Second}, zerolog.Nop())
			addr, ok, err := c.ReverseGeocode(context.Background(), -22.9, -47.06)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, addr)
		})
	}
}

func TestReverseGeocodeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Rate Limited Second"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(config.GeocodingConfig{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	_, ok, err := c.ReverseGeocode(context.Background(), 1, 2)
	require.ErrorIs(t, err, vehicle.ErrExternalService)
	assert.False(t, ok)
}

type mockGeocoder struct {
	mock.Mock
}

func (m *mockGeocoder) ReverseGeocode(ctx context.Context, lat, lon float64) (Address, bool, error) {
	args := m.Called(ctx, lat, lon)
	return args.Get(0).(Address), args.Bool(1), args.Error(2)
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	ttls    map[string]time.Duration
	getErr  error
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *memoryCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	v, ok := m.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return v, nil
}

func (m *memoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	m.ttls[key] = ttl
	return nil
}

func TestCachedGeocoder(t *testing.T) {
	ctx := context.Background()
	want := Address{City: "Campinas", State: "São Paulo"}

	next := &mockGeocoder{}
	next.On("ReverseGeocode", ctx, -22.900001, -47.06).Return(want, true, nil).Once()

	cache := newMemoryCache()
	var hits []bool
	g := NewCachedGeocoder(next, cache, time.Hour, func(hit bool) { hits = append(hits, hit) }, zerolog.Nop())

	addr, ok, err := g.ReverseGeocode(ctx, -22.900001, -47.06)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, addr)
	assert.False(t, addr.Cached)

	// Same key after rounding.
	addr, ok, err = g.ReverseGeocode(ctx, -22.9000012, -47.0600001)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Address{City: "Campinas", State: "São Paulo", Cached: true}, addr)
	assert.JSONEq(t, `{"city":"Campinas","state":"São Paulo"}`, string(cache.entries["geocode:-22.90000:-47.06000"]))

	next.AssertExpectations(t)
	assert.Equal(t, []bool{false, true}, hits)
	assert.Equal(t, time.Hour, cache.ttls["geocode:-22.90000:-47.06000"])
}

func TestCachedGeocoderSkipsIncompleteAndErrors(t *testing.T) {
	ctx := context.Background()

	next := &mockGeocoder{}
	next.On("ReverseGeocode", ctx, 1.0, 2.0).Return(Address{City: "X"}, false, nil)
	next.On("ReverseGeocode", ctx, 3.0, 4.0).Return(Address{}, false, errors.New("boom"))

	cache := newMemoryCache()
	g := NewCachedGeocoder(next, cache, time.Hour, nil, zerolog.Nop())

	_, ok, err := g.ReverseGeocode(ctx, 1, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = g.ReverseGeocode(ctx, 3, 4)
	require.Error(t, err)

	assert.Empty(t, cache.entries)
}

func TestCachedGeocoderFallsThroughOnCacheError(t *testing.T) {
	ctx := context.Background()
	want := Address{City: "Jundiaí", State: "São Paulo"}

	next := &mockGeocoder{}
	next.On("ReverseGeocode", ctx, 1.0, 2.0).Return(want, true, nil)

	cache := newMemoryCache()
	cache.getErr = errors.New("connection refused")
	g := NewCachedGeocoder(next, cache, time.Hour, nil, zerolog.Nop())

	addr, ok, err := g.ReverseGeocode(ctx, 1, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, addr)
	next.AssertNumberOfCalls(t, "ReverseGeocode", 1)
}
