// Package webdriver adapts a remote W3C WebDriver session (Selenium grid,
// msedgedriver, chromedriver) to browser.Driver.
package webdriver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tebeka/selenium"

	"transit-sync/internal/browser"
	"transit-sync/internal/config"
)

const pollInterval = 250 * time.Millisecond

type Factory struct {
	cfg config.WebDriverConfig
	log zerolog.Logger
}

func NewFactory(cfg config.WebDriverConfig, log zerolog.Logger) *Factory {
	return &Factory{cfg: cfg, log: log}
}

func (f *Factory) NewDriver(ctx context.Context) (browser.Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wd, err := selenium.NewRemote(f.capabilities(), f.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s session at %s: %w", f.cfg.Browser, f.cfg.URL, err)
	}
	f.log.Debug().Str("browser", f.cfg.Browser).Msg("webdriver session started")
	return &Driver{wd: wd}, nil
}

func (f *Factory) capabilities() selenium.Capabilities {
	caps := selenium.Capabilities{"browserName": f.cfg.Browser}

	args := append([]string(nil), f.cfg.Args...)
	if f.cfg.Headless {
		args = append(args, "--headless=new")
	}
	options := map[string]any{
		"args":                   args,
		"excludeSwitches":        []string{"enable-automation", "enable-logging"},
		"useAutomationExtension": false,
		"prefs": map[string]any{
			"credentials_enable_service":       false,
			"profile.password_manager_enabled": false,
		},
	}

	switch f.cfg.Browser {
	case "MicrosoftEdge", "msedge":
		caps["ms:edgeOptions"] = options
	case "chrome":
		caps["goog:chromeOptions"] = options
	}
	return caps
}

type Driver struct {
	wd selenium.WebDriver
}

func (d *Driver) Navigate(url string) error {
	return d.wd.Get(url)
}

func (d *Driver) Find(sel browser.Selector) (browser.Element, error) {
	we, err := d.wd.FindElement(string(sel.By), sel.Value)
	if err != nil {
		return nil, notFound(sel, err)
	}
	return &element{we: we}, nil
}

func (d *Driver) FindAll(sel browser.Selector) ([]browser.Element, error) {
	wes, err := d.wd.FindElements(string(sel.By), sel.Value)
	if err != nil {
		return nil, err
	}
	return wrap(wes), nil
}

func (d *Driver) WaitFor(ctx context.Context, sel browser.Selector, timeout time.Duration) (browser.Element, error) {
	var found selenium.WebElement
	cond := func(wd selenium.WebDriver) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		we, err := wd.FindElement(string(sel.By), sel.Value)
		if err != nil {
			return false, nil
		}
		found = we
		return true, nil
	}

	if err := d.wd.WaitWithTimeoutAndInterval(cond, timeout, pollInterval); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s after %s", browser.ErrElementNotFound, sel, timeout)
	}
	return &element{we: found}, nil
}

func (d *Driver) DispatchClick(el browser.Element) error {
	_, err := d.script("arguments[0].click();", el)
	return err
}

func (d *Driver) RawText(el browser.Element) (string, error) {
	out, err := d.script("return arguments[0].textContent;", el)
	if err != nil {
		return "", err
	}
	text, _ := out.(string)
	return text, nil
}

func (d *Driver) SelectOption(el browser.Element, value string) error {
	const js = `arguments[0].value = arguments[1];
arguments[0].dispatchEvent(new Event('change', {bubbles: true}));`
	_, err := d.script(js, el, value)
	return err
}

func (d *Driver) Windows() ([]string, error) {
	return d.wd.WindowHandles()
}

func (d *Driver) CurrentWindow() (string, error) {
	return d.wd.CurrentWindowHandle()
}

func (d *Driver) SwitchWindow(handle string) error {
	return d.wd.SwitchWindow(handle)
}

func (d *Driver) CloseWindow() error {
	handle, err := d.wd.CurrentWindowHandle()
	if err != nil {
		return err
	}
	return d.wd.CloseWindow(handle)
}

func (d *Driver) Quit() error {
	return d.wd.Quit()
}

func (d *Driver) script(js string, el browser.Element, extra ...any) (any, error) {
	e, ok := el.(*element)
	if !ok {
		return nil, fmt.Errorf("webdriver: foreign element %T", el)
	}
	args := append([]any{e.we}, extra...)
	return d.wd.ExecuteScript(js, args)
}

type element struct {
	we selenium.WebElement
}

func (e *element) Text() (string, error)      { return e.we.Text() }
func (e *element) SendKeys(text string) error { return e.we.SendKeys(text) }
func (e *element) Clear() error               { return e.we.Clear() }
func (e *element) Click() error               { return e.we.Click() }

func (e *element) FindElement(sel browser.Selector) (browser.Element, error) {
	we, err := e.we.FindElement(string(sel.By), sel.Value)
	if err != nil {
		return nil, notFound(sel, err)
	}
	return &element{we: we}, nil
}

func (e *element) FindElements(sel browser.Selector) ([]browser.Element, error) {
	wes, err := e.we.FindElements(string(sel.By), sel.Value)
	if err != nil {
		return nil, err
	}
	return wrap(wes), nil
}

func notFound(sel browser.Selector, err error) error {
	var serr *selenium.Error
	if errors.As(err, &serr) && serr.Err == "no such element" {
		return fmt.Errorf("%w: %s", browser.ErrElementNotFound, sel)
	}
	return fmt.Errorf("find %s: %w", sel, err)
}

func wrap(wes []selenium.WebElement) []browser.Element {
	out := make([]browser.Element, len(wes))
	for i, we := range wes {
		out[i] = &element{we: we}
	}
	return out
}

var _ browser.Driver = (*Driver)(nil)
