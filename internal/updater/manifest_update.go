package updater

import (
	"context"
	"fmt"
	"time"

	"transit-sync/internal/browser"
	"transit-sync/internal/domain/vehicle"
)

// updateManifest opens one manifest from the anchored update screen, writes
// the transit status in the spawned form and confirms back on the anchor.
// The anchor is unchanged on return.
func (s *Session) updateManifest(ctx context.Context, stack WindowStack, m vehicle.ManifestRef, job Job) (WindowStack, error) {
	anchor, ok := stack.Anchor()
	if !ok {
		return stack, fmt.Errorf("update screen is not anchored")
	}
	if err := s.d.SwitchWindow(anchor); err != nil {
		return stack, err
	}

	carrier, err := s.d.WaitFor(ctx, browser.ID("11"), formWait)
	if err != nil {
		return stack, err
	}
	if err := carrier.SendKeys(m.CarrierCode); err != nil {
		return stack, err
	}
	if err := s.typeInto(ctx, browser.ID("12"), m.Number, time.Second); err != nil {
		return stack, err
	}

	// Forms from earlier manifests may have closed themselves.
	stack, err = s.syncOnly(stack)
	if err != nil {
		return stack, err
	}
	before := stack.Handles()

	open, err := s.d.Find(browser.ID("13"))
	if err != nil {
		return stack, err
	}
	if err := open.Click(); err != nil {
		return stack, err
	}
	if err := s.cfg.Sleep(ctx, time.Second); err != nil {
		return stack, err
	}

	stack, err = s.focusSpawned(stack, before)
	if err != nil {
		return stack, fmt.Errorf("manifest form: %w", err)
	}
	if err := s.fillTransitStatus(ctx, job); err != nil {
		return stack, err
	}

	if err := s.d.SwitchWindow(anchor); err != nil {
		return stack, err
	}
	confirm, err := s.d.WaitFor(ctx, browser.ID("0"), confirmWait)
	if err != nil {
		return stack, fmt.Errorf("confirmation: %w", err)
	}
	if err := s.d.DispatchClick(confirm); err != nil {
		return stack, err
	}
	return stack, s.cfg.Sleep(ctx, time.Second)
}

func (s *Session) fillTransitStatus(ctx context.Context, job Job) error {
	now := s.cfg.Now()

	if err := s.typeInto(ctx, browser.Name("f3"), s.cfg.TransitStatusCode, time.Second); err != nil {
		return err
	}
	if err := s.typeInto(ctx, browser.Name("f4"), now.Format("020106"), time.Second); err != nil {
		return err
	}

	clock, err := s.d.Find(browser.Name("f5"))
	if err != nil {
		return err
	}
	if err := clock.Clear(); err != nil {
		return err
	}
	if err := s.cfg.Sleep(ctx, 500*time.Millisecond); err != nil {
		return err
	}
	if err := s.typeInto(ctx, browser.Name("f5"), now.Format("1504"), time.Second); err != nil {
		return err
	}

	if err := s.typeInto(ctx, browser.Name("f6"), job.Observation(), 500*time.Millisecond); err != nil {
		return err
	}
	if err := s.dispatch(browser.ID("9")); err != nil {
		return err
	}
	return s.cfg.Sleep(ctx, time.Second)
}
