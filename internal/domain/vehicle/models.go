package vehicle

import (
	"fmt"
	"time"
)

type PlateID string

type PositionSample struct {
	Plate     PlateID  `json:"plate"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

func (p PositionSample) HasCoordinates() bool {
	return p.Latitude != nil && p.Longitude != nil
}

type ErrorKind string

const (
	ErrorMissingCoordinates   ErrorKind = "missing_coordinates"
	ErrorUnexpectedResponse   ErrorKind = "unexpected_response"
	ErrorQueryFailed          ErrorKind = "query_failed"
	ErrorTelemetryUnavailable ErrorKind = "telemetry_unavailable"
)

// EnrichedRecord is the resolver output for one plate. Exactly one of the
// address, the coordinates or the error tag is set.
type EnrichedRecord struct {
	Plate     PlateID    `json:"plate"`
	City      *string    `json:"city,omitempty"`
	State     *string    `json:"state,omitempty"`
	Latitude  *float64   `json:"latitude,omitempty"`
	Longitude *float64   `json:"longitude,omitempty"`
	Error     *ErrorKind `json:"error,omitempty"`
}

func NewAddressRecord(plate PlateID, city, state string) EnrichedRecord {
	return EnrichedRecord{Plate: plate, City: &city, State: &state}
}

func NewCoordinateRecord(plate PlateID, lat, lon float64) EnrichedRecord {
	return EnrichedRecord{Plate: plate, Latitude: &lat, Longitude: &lon}
}

func NewErrorRecord(plate PlateID, kind ErrorKind) EnrichedRecord {
	return EnrichedRecord{Plate: plate, Error: &kind}
}

// HasAddress reports whether the record carries a non-empty city and state.
func (r EnrichedRecord) HasAddress() bool {
	return r.City != nil && *r.City != "" && r.State != nil && *r.State != ""
}

func (r EnrichedRecord) HasCoordinates() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// Resolution names the populated rung of the fallback ladder: "address",
// "coordinates" or the error kind.
func (r EnrichedRecord) Resolution() string {
	switch {
	case r.Error != nil:
		return string(*r.Error)
	case r.HasAddress():
		return "address"
	case r.HasCoordinates():
		return "coordinates"
	default:
		return "unknown"
	}
}

// CityState returns the address pair, or empty strings when absent.
func (r EnrichedRecord) CityState() (string, string) {
	var city, state string
	if r.City != nil {
		city = *r.City
	}
	if r.State != nil {
		state = *r.State
	}
	return city, state
}

// Validate checks the fallback ladder: address, coordinates or error tag,
// never more than one and never none.
func (r EnrichedRecord) Validate() error {
	if r.Plate == "" {
		return fmt.Errorf("%w: plate is required", ErrDataIncomplete)
	}

	address := r.City != nil && r.State != nil
	partialAddress := (r.City != nil) != (r.State != nil)
	coords := r.HasCoordinates()
	partialCoords := (r.Latitude != nil) != (r.Longitude != nil)
	tagged := r.Error != nil

	if partialAddress || partialCoords {
		return fmt.Errorf("%w: plate %s has a half-populated field pair", ErrDataIncomplete, r.Plate)
	}

	populated := 0
	for _, ok := range []bool{address, coords, tagged} {
		if ok {
			populated++
		}
	}
	if populated != 1 {
		return fmt.Errorf("%w: plate %s must carry exactly one of address, coordinates or error (has %d)",
			ErrDataIncomplete, r.Plate, populated)
	}
	return nil
}

type ManifestRef struct {
	CarrierCode string `json:"carrier_code"`
	Number      string `json:"number"`
}

func (m ManifestRef) String() string {
	return m.CarrierCode + m.Number
}

type OutcomeKind string

const (
	OutcomeUpdated               OutcomeKind = "updated"
	OutcomeSkippedIncompleteData OutcomeKind = "skipped_incomplete_data"
	OutcomeSkippedNoManifest     OutcomeKind = "skipped_no_manifest"
	OutcomeFailed                OutcomeKind = "failed"
)

type Outcome struct {
	Position  int         `json:"position"`
	Plate     PlateID     `json:"plate"`
	Kind      OutcomeKind `json:"kind"`
	Reason    string      `json:"reason,omitempty"`
	Manifests int         `json:"manifests,omitempty"`
}

type RunSummary struct {
	RunID        string    `json:"run_id"`
	Trigger      string    `json:"trigger"`
	Source       string    `json:"source"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Total        int       `json:"total"`
	Outcomes     []Outcome `json:"outcomes"`
	NotAttempted int       `json:"not_attempted"`
	Cancelled    bool      `json:"cancelled"`
	Aborted      bool      `json:"aborted"`
	AbortReason  string    `json:"abort_reason,omitempty"`
}

// Count returns how many outcomes have the given kind.
func (s RunSummary) Count(kind OutcomeKind) int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Kind == kind {
			n++
		}
	}
	return n
}

func (s RunSummary) Processed() int {
	return len(s.Outcomes)
}

func (s RunSummary) Kinds() []OutcomeKind {
	kinds := make([]OutcomeKind, 0, len(s.Outcomes))
	for _, o := range s.Outcomes {
		kinds = append(kinds, o.Kind)
	}
	return kinds
}

// Status collapses the summary into the label stored with run history.
func (s RunSummary) Status() string {
	switch {
	case s.Aborted:
		return "aborted"
	case s.Cancelled:
		return "cancelled"
	case s.Count(OutcomeFailed) > 0:
		return "completed_with_failures"
	default:
		return "completed"
	}
}
