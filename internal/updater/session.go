// Package updater drives the operational web system through the manifest
// status update flow for one plate at a time.
package updater

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"transit-sync/internal/browser"
	"transit-sync/internal/config"
	"transit-sync/internal/domain/vehicle"
	"transit-sync/internal/utils"
)

const (
	formWait    = 20 * time.Second
	probeWait   = 5 * time.Second
	confirmWait = 80 * time.Second
)

type Config struct {
	LoginURL          string
	Company           string
	CNPJ              string
	Username          string
	Password          string
	Unit              string
	ManifestOption    string
	UpdateOption      string
	TransitStatusCode string

	Sleep utils.Sleeper
	Now   func() time.Time
}

func ConfigFrom(cfg config.SSWConfig) Config {
	return Config{
		LoginURL:          cfg.LoginURL,
		Company:           cfg.Company,
		CNPJ:              cfg.CNPJ,
		Username:          cfg.Username,
		Password:          cfg.Password,
		Unit:              cfg.Unit,
		ManifestOption:    cfg.ManifestOption,
		UpdateOption:      cfg.UpdateOption,
		TransitStatusCode: cfg.TransitStatusCode,
		Sleep:             utils.Sleep,
		Now:               time.Now,
	}
}

// Job is one plate to update with the location written to its manifests.
type Job struct {
	Plate vehicle.PlateID
	City  string
	State string
}

func (j Job) Observation() string {
	return fmt.Sprintf("em transf: %s - %s", j.City, j.State)
}

type Branch string

const (
	BranchTable    Branch = "table"
	BranchFallback Branch = "fallback"
)

type Result struct {
	Kind      vehicle.OutcomeKind
	Branch    Branch
	Manifests []vehicle.ManifestRef
}

// Session is one authenticated browser context. It is not safe for
// concurrent use.
type Session struct {
	d    browser.Driver
	cfg  Config
	root WindowStack
	log  zerolog.Logger
}

// Open starts a browser and logs in once. Every failure wraps
// vehicle.ErrFatalAuth; there is no retry at this layer.
func Open(ctx context.Context, browsers browser.Factory, cfg Config, log zerolog.Logger) (*Session, error) {
	if cfg.Sleep == nil {
		cfg.Sleep = utils.Sleep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	d, err := browsers.NewDriver(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: start browser: %v", vehicle.ErrFatalAuth, err)
	}

	s := &Session{d: d, cfg: cfg, log: log}
	if err := s.login(ctx); err != nil {
		if qErr := d.Quit(); qErr != nil {
			log.Warn().Err(qErr).Msg("failed to quit browser after login failure")
		}
		return nil, fmt.Errorf("%w: %v", vehicle.ErrFatalAuth, err)
	}
	log.Info().Msg("logged in to operational system")
	return s, nil
}

func (s *Session) login(ctx context.Context) error {
	if err := s.d.Navigate(s.cfg.LoginURL); err != nil {
		return err
	}
	if _, err := s.d.WaitFor(ctx, browser.Name("f1"), formWait); err != nil {
		return err
	}

	fields := []struct {
		name   string
		value  string
		settle time.Duration
	}{
		{"f1", s.cfg.Company, 500 * time.Millisecond},
		{"f2", s.cfg.CNPJ, 500 * time.Millisecond},
		{"f3", s.cfg.Username, 500 * time.Millisecond},
		{"f4", s.cfg.Password, time.Second},
	}
	for _, f := range fields {
		if err := s.typeInto(ctx, browser.Name(f.name), f.value, f.settle); err != nil {
			return err
		}
	}

	if err := s.dispatch(browser.ID("5")); err != nil {
		return err
	}
	if err := s.cfg.Sleep(ctx, 3*time.Second); err != nil {
		return err
	}
	if _, err := s.d.WaitFor(ctx, browser.Name("f2"), formWait); err != nil {
		return err
	}

	root, err := s.d.CurrentWindow()
	if err != nil {
		return err
	}
	s.root = NewWindowStack(root)
	return nil
}

// Apply runs the update flow for one plate. A returned error means the plate
// failed and the session state is unknown; the caller should Close it.
func (s *Session) Apply(ctx context.Context, job Job) (Result, error) {
	log := s.log.With().Str("plate", string(job.Plate)).Logger()

	stack, err := s.resetToRoot(s.root)
	if err != nil {
		return Result{}, fmt.Errorf("reset windows: %w", err)
	}

	stack, err = s.openManifestMenu(ctx, stack, job.Plate)
	if err != nil {
		return Result{}, fmt.Errorf("open manifest menu: %w", err)
	}

	branch, manifests, err := s.discoverManifests(ctx, log)
	if err != nil {
		return Result{}, fmt.Errorf("discover manifests: %w", err)
	}
	result := Result{Branch: branch, Manifests: manifests}
	if len(manifests) == 0 {
		log.Warn().Str("branch", string(branch)).Msg("no authorized manifest found")
		result.Kind = vehicle.OutcomeSkippedNoManifest
		return result, nil
	}
	log.Info().Str("branch", string(branch)).Int("manifests", len(manifests)).Msg("manifests discovered")

	stack, err = s.openUpdateScreen(ctx, stack)
	if err != nil {
		return Result{}, fmt.Errorf("open update screen: %w", err)
	}

	for i, m := range manifests {
		log.Info().
			Int("manifest", i+1).
			Int("of", len(manifests)).
			Str("carrier", m.CarrierCode).
			Str("number", m.Number).
			Msg("updating manifest")
		if stack, err = s.updateManifest(ctx, stack, m, job); err != nil {
			return Result{}, fmt.Errorf("update manifest %s: %w", m, err)
		}
	}

	result.Kind = vehicle.OutcomeUpdated
	return result, nil
}

// Close quits the browser. It is safe to call more than once.
func (s *Session) Close() error {
	if s.d == nil {
		return nil
	}
	err := s.d.Quit()
	s.d = nil
	return err
}

func (s *Session) openManifestMenu(ctx context.Context, stack WindowStack, plate vehicle.PlateID) (WindowStack, error) {
	unit, err := s.d.WaitFor(ctx, browser.Name("f2"), formWait)
	if err != nil {
		return stack, err
	}
	if err := unit.Clear(); err != nil {
		return stack, err
	}
	if err := unit.SendKeys(s.cfg.Unit); err != nil {
		return stack, err
	}
	if err := s.typeInto(ctx, browser.Name("f3"), s.cfg.ManifestOption, 3*time.Second); err != nil {
		return stack, err
	}

	stack, err = s.focusNewest(stack)
	if err != nil {
		return stack, err
	}
	field, err := s.d.WaitFor(ctx, browser.Name("t_placa_cavalo"), formWait)
	if err != nil {
		return stack, err
	}
	if err := field.SendKeys(string(plate)); err != nil {
		return stack, err
	}
	if err := s.dispatch(browser.ID("12")); err != nil {
		return stack, err
	}
	if err := s.cfg.Sleep(ctx, 3*time.Second); err != nil {
		return stack, err
	}
	return s.focusNewest(stack)
}

// openUpdateScreen closes the detail screen and the menu popup, then opens
// the manifest update screen from the root menu. The returned stack is
// anchored on the update screen.
func (s *Session) openUpdateScreen(ctx context.Context, stack WindowStack) (WindowStack, error) {
	var err error
	for i := 0; i < 2; i++ {
		if stack, err = s.closeFrontier(stack); err != nil {
			return stack, err
		}
	}
	if err := s.cfg.Sleep(ctx, time.Second); err != nil {
		return stack, err
	}
	if err := s.typeInto(ctx, browser.Name("f3"), s.cfg.UpdateOption, time.Second); err != nil {
		return stack, err
	}
	stack, err = s.focusNewest(stack)
	if err != nil {
		return stack, err
	}
	return stack.Anchored(), nil
}

func (s *Session) typeInto(ctx context.Context, sel browser.Selector, text string, settle time.Duration) error {
	el, err := s.d.Find(sel)
	if err != nil {
		return err
	}
	if err := el.SendKeys(text); err != nil {
		return err
	}
	return s.cfg.Sleep(ctx, settle)
}

func (s *Session) dispatch(sel browser.Selector) error {
	el, err := s.d.Find(sel)
	if err != nil {
		return err
	}
	return s.d.DispatchClick(el)
}

// focusNewest switches to the most recently opened window.
func (s *Session) focusNewest(stack WindowStack) (WindowStack, error) {
	open, err := s.d.Windows()
	if err != nil {
		return stack, err
	}
	stack, err = stack.Sync(open)
	if err != nil {
		return stack, err
	}
	return stack, s.d.SwitchWindow(stack.Frontier())
}

// focusSpawned is focusNewest for actions that must open a window. before
// holds the handles that were open when the action was taken.
func (s *Session) focusSpawned(stack WindowStack, before []string) (WindowStack, error) {
	stack, err := s.focusNewest(stack)
	if err != nil {
		return stack, err
	}
	if slices.Contains(before, stack.Frontier()) {
		return stack, errors.New("expected a new window")
	}
	return stack, nil
}

func (s *Session) closeFrontier(stack WindowStack) (WindowStack, error) {
	if stack.Len() <= 1 {
		return stack, errors.New("no window above root to close")
	}
	if err := s.d.SwitchWindow(stack.Frontier()); err != nil {
		return stack, err
	}
	if err := s.d.CloseWindow(); err != nil {
		return stack, err
	}
	stack = stack.Pop()
	return stack, s.d.SwitchWindow(stack.Frontier())
}

// resetToRoot closes every window the previous plate left open.
func (s *Session) resetToRoot(stack WindowStack) (WindowStack, error) {
	stack, err := s.syncOnly(stack)
	if err != nil {
		return stack, err
	}
	for stack.Len() > 1 {
		if stack, err = s.closeFrontier(stack); err != nil {
			return stack, err
		}
	}
	return stack, s.d.SwitchWindow(stack.Root())
}

func (s *Session) syncOnly(stack WindowStack) (WindowStack, error) {
	open, err := s.d.Windows()
	if err != nil {
		return stack, err
	}
	return stack.Sync(open)
}
