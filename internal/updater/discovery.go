package updater

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"transit-sync/internal/browser"
	"transit-sync/internal/domain/vehicle"
)

const authorizedMarker = ".//font[@color='red' and normalize-space(text())='AUTORIZADO']"

type probeOutcome int

const (
	probeNotFound probeOutcome = iota
	probeFound
)

// tableProbe is the result of looking for the manifest listing. table is
// set only when outcome is probeFound.
type tableProbe struct {
	outcome probeOutcome
	table   browser.Element
}

// probeManifestTable waits briefly for the manifest listing. Absence is a
// normal outcome; only driver failures are errors.
func (s *Session) probeManifestTable(ctx context.Context) (tableProbe, error) {
	table, err := s.d.WaitFor(ctx, browser.ID("tblsr"), probeWait)
	switch {
	case err == nil:
		return tableProbe{outcome: probeFound, table: table}, nil
	case errors.Is(err, browser.ErrElementNotFound):
		return tableProbe{outcome: probeNotFound}, nil
	default:
		return tableProbe{}, err
	}
}

func (s *Session) discoverManifests(ctx context.Context, log zerolog.Logger) (Branch, []vehicle.ManifestRef, error) {
	probe, err := s.probeManifestTable(ctx)
	if err != nil {
		return "", nil, err
	}

	switch probe.outcome {
	case probeFound:
		manifests, err := discoverFromTable(probe.table, log)
		return BranchTable, manifests, err
	default:
		log.Info().Msg("manifest table not found, reading detail form")
		manifests, err := s.discoverFromForm(log)
		return BranchFallback, manifests, err
	}
}

// discoverFromTable collects the authorized manifests of the listing in row
// order. Rows whose third-to-last cell is filled were already handled.
func discoverFromTable(table browser.Element, log zerolog.Logger) ([]vehicle.ManifestRef, error) {
	rows, err := table.FindElements(browser.Tag("tr"))
	if err != nil {
		return nil, err
	}

	var manifests []vehicle.ManifestRef
	for i, row := range rows {
		cells, err := row.FindElements(browser.Tag("td"))
		if err != nil {
			log.Error().Err(err).Int("row", i).Msg("failed to read manifest row")
			continue
		}
		if len(cells) < 3 {
			continue
		}

		if done, _ := cells[len(cells)-3].Text(); strings.TrimSpace(done) != "" {
			log.Debug().Int("row", i).Str("value", done).Msg("skipping processed manifest row")
			continue
		}

		markers, err := row.FindElements(browser.XPath(authorizedMarker))
		if err != nil || len(markers) == 0 {
			continue
		}

		label, err := cells[0].Text()
		if err != nil {
			log.Error().Err(err).Int("row", i).Msg("failed to read manifest label")
			continue
		}
		ref, ok := vehicle.ParseManifestLabel(label)
		if !ok {
			log.Warn().Str("label", label).Msg("unrecognized manifest label")
			continue
		}
		log.Debug().Str("carrier", ref.CarrierCode).Str("number", ref.Number).Msg("authorized manifest")
		manifests = append(manifests, ref)
	}
	return manifests, nil
}

// discoverFromForm reads the single manifest reference shown in bold inside
// the detail form. A missing form yields no manifests.
func (s *Session) discoverFromForm(log zerolog.Logger) ([]vehicle.ManifestRef, error) {
	form, err := s.d.Find(browser.Name("frm"))
	if errors.Is(err, browser.ErrElementNotFound) {
		log.Error().Msg("detail form not found")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	labels, err := form.FindElements(browser.Tag("b"))
	if err != nil {
		return nil, err
	}
	for _, b := range labels {
		text, err := b.Text()
		if err != nil || !strings.HasPrefix(text, s.cfg.Unit) {
			continue
		}
		ref, ok := vehicle.ParseEmbeddedManifest(text)
		if !ok {
			log.Warn().Str("label", text).Msg("unrecognized manifest reference")
			return nil, nil
		}
		return []vehicle.ManifestRef{ref}, nil
	}
	return nil, nil
}
