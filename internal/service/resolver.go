package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"transit-sync/internal/client/geocode"
	"transit-sync/internal/client/telemetry"
	"transit-sync/internal/domain/vehicle"
	"transit-sync/internal/utils"
)

// PositionSource is the telemetry API as seen by the resolver.
type PositionSource interface {
	Authenticate(ctx context.Context) (string, error)
	LastPosition(ctx context.Context, token string, plate vehicle.PlateID) ([]vehicle.PositionSample, error)
}

// Resolver turns plates into enriched records. It never fails: every
// problem degrades to coordinates or an error-tagged record.
type Resolver struct {
	positions PositionSource
	geocoder  geocode.Geocoder
	pace      time.Duration
	sleep     utils.Sleeper
	log       zerolog.Logger
}

func NewResolver(positions PositionSource, geocoder geocode.Geocoder, pace time.Duration, log zerolog.Logger) *Resolver {
	return &Resolver{
		positions: positions,
		geocoder:  geocoder,
		pace:      pace,
		sleep:     utils.Sleep,
		log:       log,
	}
}

// ResolveAll returns exactly one record per plate, in input order. When no
// telemetry token can be obtained every record is tagged
// telemetry_unavailable.
func (r *Resolver) ResolveAll(ctx context.Context, plates []vehicle.PlateID) []vehicle.EnrichedRecord {
	records := make([]vehicle.EnrichedRecord, 0, len(plates))
	if len(plates) == 0 {
		return records
	}

	token, err := r.positions.Authenticate(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("authentication failed: telemetry token unavailable")
		for _, plate := range plates {
			records = append(records, vehicle.NewErrorRecord(plate, vehicle.ErrorTelemetryUnavailable))
		}
		return records
	}
	r.log.Info().Int("plates", len(plates)).Msg("telemetry token obtained")

	for _, plate := range plates {
		records = append(records, r.Resolve(ctx, plate, token))
	}
	return records
}

func (r *Resolver) Resolve(ctx context.Context, plate vehicle.PlateID, token string) vehicle.EnrichedRecord {
	log := r.log.With().Str("plate", string(plate)).Logger()

	samples, err := r.positions.LastPosition(ctx, token, plate)
	switch {
	case errors.Is(err, telemetry.ErrUnexpectedResponse):
		log.Warn().Err(err).Msg("unexpected position response")
		return vehicle.NewErrorRecord(plate, vehicle.ErrorUnexpectedResponse)
	case err != nil:
		log.Error().Err(err).Msg("position query failed")
		return vehicle.NewErrorRecord(plate, vehicle.ErrorQueryFailed)
	case len(samples) == 0:
		log.Warn().Msg("position list is empty")
		return vehicle.NewErrorRecord(plate, vehicle.ErrorUnexpectedResponse)
	}

	first := samples[0]
	if !first.HasCoordinates() {
		log.Warn().Msg("latest position has no coordinates")
		return vehicle.NewErrorRecord(plate, vehicle.ErrorMissingCoordinates)
	}
	lat, lon := *first.Latitude, *first.Longitude

	addr, ok, err := r.geocoder.ReverseGeocode(ctx, lat, lon)
	if err != nil || !ok {
		log.Warn().Err(err).Float64("lat", lat).Float64("lon", lon).Msg("keeping raw coordinates")
		return vehicle.NewCoordinateRecord(plate, lat, lon)
	}

	addr = geocode.NormalizeAddress(addr)
	log.Info().Str("city", addr.City).Str("state", addr.State).Bool("cached", addr.Cached).Msg("location resolved")
	if !addr.Cached {
		_ = r.sleep(ctx, r.pace)
	}
	return vehicle.NewAddressRecord(plate, addr.City, addr.State)
}
