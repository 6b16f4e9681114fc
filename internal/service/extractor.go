package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"transit-sync/internal/browser"
	"transit-sync/internal/config"
	"transit-sync/internal/domain/vehicle"
	"transit-sync/internal/utils"
)

const (
	reachabilityTimeout = 5 * time.Second
	loginFieldTimeout   = 20 * time.Second
	pageSizeTimeout     = 15 * time.Second
	loginSettle         = 5 * time.Second
	filterSettle        = 2 * time.Second
	checkboxSettle      = 500 * time.Millisecond
)

// ErrDashboardLogin marks extraction failures caused by the dashboard
// rejecting or never completing the login.
var ErrDashboardLogin = errors.New("dashboard login failed")

var (
	loginButtons = []browser.Selector{
		browser.ID("botaoLogin"),
		browser.CSS("button[type='submit']"),
		browser.XPath("//button[contains(text(), 'Entrar') or contains(text(), 'Login')]"),
	}
	statusFilters = []string{
		"statusRastreamentoIniciado",
		"statusRastreamentoAtrasado",
		"statusRastreamentoAtrasoProximo",
	}
)

// Extractor scrapes the active plates from the fleet dashboard.
type Extractor struct {
	browsers browser.Factory
	cfg      config.DashboardConfig
	http     *http.Client
	sleep    utils.Sleeper
	log      zerolog.Logger
}

func NewExtractor(browsers browser.Factory, cfg config.DashboardConfig, log zerolog.Logger) *Extractor {
	return &Extractor{
		browsers: browsers,
		cfg:      cfg,
		http:     &http.Client{Timeout: reachabilityTimeout},
		sleep:    utils.Sleep,
		log:      log,
	}
}

// Extract returns the plates listed on the filtered dashboard table in row
// order. An empty result with a nil error means the table was empty.
func (e *Extractor) Extract(ctx context.Context) ([]vehicle.PlateID, error) {
	if err := e.reachable(ctx, e.cfg.ReachabilityURL); err != nil {
		e.log.Error().Err(err).Msg("no internet connection, aborting extraction")
		return nil, fmt.Errorf("%w: %v", vehicle.ErrUnreachable, err)
	}
	if e.cfg.TargetURL != "" {
		if err := e.reachable(ctx, e.cfg.TargetURL); err != nil {
			e.log.Warn().Err(err).Str("url", e.cfg.TargetURL).Msg("dashboard host may be unreachable")
		}
	}

	d, err := e.browsers.NewDriver(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vehicle.ErrUnreachable, err)
	}
	defer func() {
		if err := d.Quit(); err != nil {
			e.log.Warn().Err(err).Msg("failed to quit dashboard browser")
		}
	}()

	if err := e.loginWithRetry(ctx, d); err != nil {
		return nil, err
	}

	e.configureTable(ctx, d)
	if err := e.applyStatusFilter(ctx, d); err != nil {
		return nil, err
	}
	return e.parseTable(d)
}

func (e *Extractor) reachable(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s answered %d", url, resp.StatusCode)
	}
	e.log.Debug().Str("url", url).Msg("connectivity verified")
	return nil
}

func (e *Extractor) loginWithRetry(ctx context.Context, d browser.Driver) error {
	attempt := 0
	operation := func() error {
		attempt++
		if err := e.login(ctx, d); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("%w: %v", vehicle.ErrTransientUI, err)
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		e.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("dashboard login attempt failed")
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.RetryDelay), uint64(e.cfg.LoginAttempts-1)),
		ctx,
	)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		e.log.Error().Err(err).Int("attempts", attempt).Msg("maximum dashboard login attempts reached")
		return fmt.Errorf("%w after %d attempts: %w", ErrDashboardLogin, attempt, err)
	}
	return nil
}

func (e *Extractor) login(ctx context.Context, d browser.Driver) error {
	e.log.Info().Str("url", e.cfg.URL).Msg("opening dashboard")
	if err := d.Navigate(e.cfg.URL); err != nil {
		return err
	}

	email, err := d.WaitFor(ctx, browser.Name("Email"), loginFieldTimeout)
	if err != nil {
		return err
	}
	if err := email.SendKeys(e.cfg.Email); err != nil {
		return err
	}
	password, err := d.Find(browser.Name("Password"))
	if err != nil {
		return err
	}
	if err := password.SendKeys(e.cfg.Password); err != nil {
		return err
	}

	button, err := browser.FirstPresent(d, loginButtons...)
	if err != nil {
		return fmt.Errorf("login button: %w", err)
	}
	if err := d.DispatchClick(button); err != nil {
		return err
	}
	return e.sleep(ctx, loginSettle)
}

// configureTable widens the page size. Failure leaves the default size.
func (e *Extractor) configureTable(ctx context.Context, d browser.Driver) {
	sel, err := d.WaitFor(ctx, browser.Name("datatables_length"), pageSizeTimeout)
	if err == nil {
		err = d.SelectOption(sel, e.cfg.PageSize)
	}
	if err != nil {
		e.log.Error().Err(err).Msg("failed to set table page size")
		return
	}
	e.log.Debug().Str("page_size", e.cfg.PageSize).Msg("table page size selected")
	_ = e.sleep(ctx, filterSettle)
}

func (e *Extractor) applyStatusFilter(ctx context.Context, d browser.Driver) error {
	if err := e.clickStatusFilter(ctx, d); err != nil {
		e.log.Error().Err(err).Msg("failed to filter dashboard table")
		return fmt.Errorf("%w: status filter: %v", vehicle.ErrTransientUI, err)
	}
	return nil
}

func (e *Extractor) clickStatusFilter(ctx context.Context, d browser.Driver) error {
	toggle, err := d.Find(browser.CSS(".btn.btn-default.btn-sm"))
	if err != nil {
		return err
	}
	if err := d.DispatchClick(toggle); err != nil {
		return err
	}
	if err := e.sleep(ctx, filterSettle); err != nil {
		return err
	}

	boxes := make([]browser.Element, 0, len(statusFilters))
	for _, name := range statusFilters {
		box, err := d.Find(browser.Name(name))
		if err != nil {
			return err
		}
		boxes = append(boxes, box)
	}
	for i, box := range boxes {
		if i > 0 {
			if err := e.sleep(ctx, checkboxSettle); err != nil {
				return err
			}
		}
		if err := d.DispatchClick(box); err != nil {
			return err
		}
	}

	apply, err := d.Find(browser.XPath("//button[contains(text(), 'Filtrar')]"))
	if err != nil {
		return err
	}
	if err := d.DispatchClick(apply); err != nil {
		return err
	}
	return e.sleep(ctx, filterSettle)
}

func (e *Extractor) parseTable(d browser.Driver) ([]vehicle.PlateID, error) {
	table, err := d.Find(browser.ID("datatables"))
	if err != nil {
		return nil, fmt.Errorf("%w: plate table: %v", vehicle.ErrTransientUI, err)
	}
	rows, err := table.FindElements(browser.Tag("tr"))
	if err != nil {
		return nil, fmt.Errorf("%w: plate rows: %v", vehicle.ErrTransientUI, err)
	}

	plates := make([]vehicle.PlateID, 0, len(rows))
	var problematic []string
	for i, row := range rows {
		cells, err := row.FindElements(browser.Tag("td"))
		if err != nil || len(cells) <= e.cfg.PlateColumn {
			continue
		}
		cell := cells[e.cfg.PlateColumn]

		raw, _ := cell.Text()
		raw = strings.TrimSpace(raw)
		if raw == "" {
			e.log.Warn().Int("row", i+1).Msg("plate cell is empty, reading text content")
			text, err := d.RawText(cell)
			if err != nil {
				e.log.Error().Err(err).Int("row", i+1).Msg("failed to read plate text content")
				problematic = append(problematic, fmt.Sprintf("row %d", i+1))
				continue
			}
			raw = strings.TrimSpace(text)
			if raw == "" {
				problematic = append(problematic, fmt.Sprintf("row %d", i+1))
				continue
			}
		}

		plate := utils.NormalizePlate(raw)
		if plate == "" {
			problematic = append(problematic, raw)
			continue
		}
		e.log.Debug().Str("raw_plate", raw).Str("plate", plate).Msg("plate extracted")
		plates = append(plates, vehicle.PlateID(plate))
	}

	if len(problematic) > 0 {
		e.log.Warn().Strs("plates", problematic).Msg("plates with processing problems")
	}
	e.log.Info().Int("count", len(plates)).Msg("dashboard extraction finished")
	return plates, nil
}

// IsConnectionFailure reports whether err came from the pre-flight checks or
// the browser start, as opposed to a UI failure after the page loaded.
func IsConnectionFailure(err error) bool {
	return errors.Is(err, vehicle.ErrUnreachable)
}
