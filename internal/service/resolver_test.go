package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"transit-sync/internal/client/geocode"
	"transit-sync/internal/client/telemetry"
	"transit-sync/internal/domain/vehicle"
)

type mockPositions struct {
	mock.Mock
}

func (m *mockPositions) Authenticate(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockPositions) LastPosition(ctx context.Context, token string, plate vehicle.PlateID) ([]vehicle.PositionSample, error) {
	args := m.Called(ctx, token, plate)
	samples, _ := args.Get(0).([]vehicle.PositionSample)
	return samples, args.Error(1)
}

type mockGeocoder struct {
	mock.Mock
}

func (m *mockGeocoder) ReverseGeocode(ctx context.Context, lat, lon float64) (geocode.Address, bool, error) {
	args := m.Called(ctx, lat, lon)
	return args.Get(0).(geocode.Address), args.Bool(1), args.Error(2)
}

func sample(plate vehicle.PlateID, lat, lon float64) []vehicle.PositionSample {
	return []vehicle.PositionSample{{Plate: plate, Latitude: &lat, Longitude: &lon}}
}

type sleepRecorder struct {
	calls []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return nil
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	lat := -22.9

	tests := []struct {
		name       string
		samples    []vehicle.PositionSample
		queryErr   error
		addr       geocode.Address
		geoOK      bool
		geoErr     error
		want       vehicle.EnrichedRecord
		wantPacing int
	}{
		{
			name:       "address",
			samples:    sample("ABC1234", -22.9, -47.06),
			addr:       geocode.Address{City: "Região Geográfica Imediata de Campinas", State: "São Paulo"},
			geoOK:      true,
			want:       vehicle.NewAddressRecord("ABC1234", "Campinas", "São Paulo"),
			wantPacing: 1,
		},
		{
			name:    "cached address skips pacing",
			samples: sample("ABC1234", -22.9, -47.06),
			addr:    geocode.Address{City: "Campinas", State: "São Paulo", Cached: true},
			geoOK:   true,
			want:    vehicle.NewAddressRecord("ABC1234", "Campinas", "São Paulo"),
		},
		{
			name:    "geocode incomplete keeps coordinates",
			samples: sample("ABC1234", -22.9, -47.06),
			addr:    geocode.Address{City: "Campinas"},
			want:    vehicle.NewCoordinateRecord("ABC1234", -22.9, -47.06),
		},
		{
			name:    "geocode error keeps coordinates",
			samples: sample("ABC1234", -22.9, -47.06),
			geoErr:  errors.New("rate limited"),
			want:    vehicle.NewCoordinateRecord("ABC1234", -22.9, -47.06),
		},
		{
			name:    "missing longitude",
			samples: []vehicle.PositionSample{{Plate: "ABC1234", Latitude: &lat}},
			want:    vehicle.NewErrorRecord("ABC1234", vehicle.ErrorMissingCoordinates),
		},
		{
			name:    "empty list",
			samples: []vehicle.PositionSample{},
			want:    vehicle.NewErrorRecord("ABC1234", vehicle.ErrorUnexpectedResponse),
		},
		{
			name:     "malformed entry",
			queryErr: fmt.Errorf("wrapped: %w", telemetry.ErrUnexpectedResponse),
			want:     vehicle.NewErrorRecord("ABC1234", vehicle.ErrorUnexpectedResponse),
		},
		{
			name:     "query failure",
			queryErr: vehicle.ErrUnreachable,
			want:     vehicle.NewErrorRecord("ABC1234", vehicle.ErrorQueryFailed),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			positions := &mockPositions{}
			positions.On("LastPosition", ctx, "tok", vehicle.PlateID("ABC1234")).Return(tt.samples, tt.queryErr)
			geo := &mockGeocoder{}
			geo.On("ReverseGeocode", ctx, mock.Anything, mock.Anything).Return(tt.addr, tt.geoOK, tt.geoErr)

			sleeps := &sleepRecorder{}
			r := NewResolver(positions, geo, time.Second, zerolog.Nop())
			r.sleep = sleeps.sleep

			got := r.Resolve(ctx, "ABC1234", "tok")
			require.NoError(t, got.Validate())
			assert.Equal(t, tt.want, got)
			assert.Len(t, sleeps.calls, tt.wantPacing)
			if tt.wantPacing > 0 {
				assert.Equal(t, time.Second, sleeps.calls[0])
			}
		})
	}
}

func TestResolveAllPreservesOrderAndCardinality(t *testing.T) {
	ctx := context.Background()
	plates := []vehicle.PlateID{"AAA1111", "BBB2222", "AAA1111", "CCC3333"}

	positions := &mockPositions{}
	positions.On("Authenticate", ctx).Return("tok", nil).Once()
	positions.On("LastPosition", ctx, "tok", vehicle.PlateID("AAA1111")).Return(sample("AAA1111", 1, 1), nil)
	positions.On("LastPosition", ctx, "tok", vehicle.PlateID("BBB2222")).Return(nil, errors.New("timeout"))
	positions.On("LastPosition", ctx, "tok", vehicle.PlateID("CCC3333")).Return(sample("CCC3333", 3, 3), nil)

	geo := &mockGeocoder{}
	geo.On("ReverseGeocode", ctx, 1.0, 1.0).Return(geocode.Address{City: "Campinas", State: "São Paulo"}, true, nil)
	geo.On("ReverseGeocode", ctx, 3.0, 3.0).Return(geocode.Address{}, false, nil)

	r := NewResolver(positions, geo, time.Second, zerolog.Nop())
	r.sleep = noSleep

	records := r.ResolveAll(ctx, plates)
	require.Len(t, records, len(plates))
	for i, rec := range records {
		assert.Equal(t, plates[i], rec.Plate)
		require.NoError(t, rec.Validate())
	}
	assert.Equal(t, "address", records[0].Resolution())
	assert.Equal(t, string(vehicle.ErrorQueryFailed), records[1].Resolution())
	assert.Equal(t, "address", records[2].Resolution())
	assert.Equal(t, "coordinates", records[3].Resolution())
	positions.AssertExpectations(t)
}

func TestResolveAllWithoutToken(t *testing.T) {
	ctx := context.Background()
	plates := []vehicle.PlateID{"AAA1111", "BBB2222"}

	positions := &mockPositions{}
	positions.On("Authenticate", ctx).Return("", vehicle.ErrUnauthorized)
	geo := &mockGeocoder{}

	r := NewResolver(positions, geo, time.Second, zerolog.Nop())
	records := r.ResolveAll(ctx, plates)

	require.Len(t, records, 2)
	for i, rec := range records {
		assert.Equal(t, plates[i], rec.Plate)
		assert.Equal(t, string(vehicle.ErrorTelemetryUnavailable), rec.Resolution())
	}
	positions.AssertNotCalled(t, "LastPosition", mock.Anything, mock.Anything, mock.Anything)
	geo.AssertNotCalled(t, "ReverseGeocode", mock.Anything, mock.Anything, mock.Anything)
}

func TestResolveAllEmpty(t *testing.T) {
	positions := &mockPositions{}
	r := NewResolver(positions, &mockGeocoder{}, time.Second, zerolog.Nop())

	assert.Empty(t, r.ResolveAll(context.Background(), nil))
	positions.AssertNotCalled(t, "Authenticate", mock.Anything)
}
