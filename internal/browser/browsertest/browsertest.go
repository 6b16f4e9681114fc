// Package browsertest provides a scriptable in-memory browser.Driver for
// tests. Pages are modelled as selector-to-element maps per window; hooks on
// elements and navigation let a test open windows and swap page content the
// way the real applications do.
package browsertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"transit-sync/internal/browser"
)

type Element struct {
	mu         sync.Mutex
	text       string
	rawText    *string
	typed      []string
	value      string
	cleared    int
	clicks     int
	dispatched int
	children   map[browser.Selector][]*Element

	// OnClick runs after Click or a dispatched click.
	OnClick func()
	// OnKeys runs after SendKeys with the typed text.
	OnKeys func(text string)
	// TextErr is returned from Text when set.
	TextErr error
}

func NewElement(text string) *Element {
	return &Element{text: text, children: map[browser.Selector][]*Element{}}
}

// WithRawText sets the textContent returned by Driver.RawText when it differs
// from the rendered text.
func (e *Element) WithRawText(s string) *Element {
	e.rawText = &s
	return e
}

func (e *Element) WithChildren(sel browser.Selector, children ...*Element) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.children[sel] = append(e.children[sel], children...)
	return e
}

func (e *Element) Text() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.TextErr != nil {
		return "", e.TextErr
	}
	return e.text, nil
}

func (e *Element) SendKeys(text string) error {
	e.mu.Lock()
	e.typed = append(e.typed, text)
	hook := e.OnKeys
	e.mu.Unlock()
	if hook != nil {
		hook(text)
	}
	return nil
}

func (e *Element) Clear() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.typed = nil
	e.cleared++
	return nil
}

func (e *Element) Click() error {
	e.mu.Lock()
	e.clicks++
	hook := e.OnClick
	e.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (e *Element) FindElement(sel browser.Selector) (browser.Element, error) {
	els, _ := e.FindElements(sel)
	if len(els) == 0 {
		return nil, fmt.Errorf("%w: %s", browser.ErrElementNotFound, sel)
	}
	return els[0], nil
}

func (e *Element) FindElements(sel browser.Selector) ([]browser.Element, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return toElements(e.children[sel]), nil
}

// Typed returns everything typed since the last Clear.
func (e *Element) Typed() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return strings.Join(e.typed, "")
}

func (e *Element) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

func (e *Element) Dispatched() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatched
}

func (e *Element) Cleared() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cleared
}

func (e *Element) Value() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

func (e *Element) dispatch() {
	e.mu.Lock()
	e.dispatched++
	hook := e.OnClick
	e.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (e *Element) raw() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rawText != nil {
		return *e.rawText
	}
	return e.text
}

type Window struct {
	Handle string

	mu       sync.Mutex
	elements map[browser.Selector][]*Element
}

// Set replaces the elements matched by sel.
func (w *Window) Set(sel browser.Selector, els ...*Element) *Window {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.elements[sel] = els
	return w
}

func (w *Window) Remove(sel browser.Selector) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.elements, sel)
}

// Reset drops every element, as a full page load would.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.elements = map[browser.Selector][]*Element{}
}

func (w *Window) Get(sel browser.Selector) *Element {
	w.mu.Lock()
	defer w.mu.Unlock()
	if els := w.elements[sel]; len(els) > 0 {
		return els[0]
	}
	return nil
}

func (w *Window) lookup(sel browser.Selector) []*Element {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*Element(nil), w.elements[sel]...)
}

type Driver struct {
	mu          sync.Mutex
	windows     []*Window
	current     string
	seq         int
	navigations []string
	waits       map[browser.Selector][]time.Duration
	quit        bool

	// OnNavigate runs after every Navigate call with the requested URL.
	OnNavigate func(url string)
	// NavigateErr is returned from Navigate when set.
	NavigateErr error
}

// NewDriver returns a driver with a single empty window focused.
func NewDriver() *Driver {
	d := &Driver{waits: map[browser.Selector][]time.Duration{}}
	w := d.OpenWindow()
	d.current = w.Handle
	return d
}

// OpenWindow appends a new window without changing focus, like a popup.
func (d *Driver) OpenWindow() *Window {
	d.mu.Lock()
	defer d.mu.Unlock()
	w := &Window{Handle: fmt.Sprintf("window-%d", d.seq), elements: map[browser.Selector][]*Element{}}
	d.seq++
	d.windows = append(d.windows, w)
	return w
}

func (d *Driver) Window(handle string) *Window {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.windows {
		if w.Handle == handle {
			return w
		}
	}
	return nil
}

// Current returns the focused window, or nil after it was closed.
func (d *Driver) Current() *Window {
	d.mu.Lock()
	handle := d.current
	d.mu.Unlock()
	return d.Window(handle)
}

func (d *Driver) Navigations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.navigations...)
}

// WaitTimeouts returns the timeouts requested for sel, in call order.
func (d *Driver) WaitTimeouts(sel browser.Selector) []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.waits[sel]...)
}

func (d *Driver) Quitted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.quit
}

func (d *Driver) Navigate(url string) error {
	d.mu.Lock()
	d.navigations = append(d.navigations, url)
	err := d.NavigateErr
	hook := d.OnNavigate
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(url)
	}
	return nil
}

func (d *Driver) Find(sel browser.Selector) (browser.Element, error) {
	els, err := d.FindAll(sel)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, fmt.Errorf("%w: %s", browser.ErrElementNotFound, sel)
	}
	return els[0], nil
}

func (d *Driver) FindAll(sel browser.Selector) ([]browser.Element, error) {
	w := d.Current()
	if w == nil {
		return nil, browser.ErrNoWindow
	}
	return toElements(w.lookup(sel)), nil
}

func (d *Driver) WaitFor(ctx context.Context, sel browser.Selector, timeout time.Duration) (browser.Element, error) {
	d.mu.Lock()
	d.waits[sel] = append(d.waits[sel], timeout)
	d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.Find(sel)
}

func (d *Driver) DispatchClick(el browser.Element) error {
	e, err := asElement(el)
	if err != nil {
		return err
	}
	e.dispatch()
	return nil
}

func (d *Driver) RawText(el browser.Element) (string, error) {
	e, err := asElement(el)
	if err != nil {
		return "", err
	}
	return e.raw(), nil
}

func (d *Driver) SelectOption(el browser.Element, value string) error {
	e, err := asElement(el)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.value = value
	e.mu.Unlock()
	return nil
}

func (d *Driver) Windows() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	handles := make([]string, 0, len(d.windows))
	for _, w := range d.windows {
		handles = append(handles, w.Handle)
	}
	return handles, nil
}

func (d *Driver) CurrentWindow() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == "" {
		return "", browser.ErrNoWindow
	}
	return d.current, nil
}

func (d *Driver) SwitchWindow(handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.windows {
		if w.Handle == handle {
			d.current = handle
			return nil
		}
	}
	return fmt.Errorf("no such window %q", handle)
}

func (d *Driver) CloseWindow() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, w := range d.windows {
		if w.Handle == d.current {
			d.windows = append(d.windows[:i], d.windows[i+1:]...)
			d.current = ""
			return nil
		}
	}
	return browser.ErrNoWindow
}

// Drop removes a window the page closed by itself. Focus is lost when it
// was the focused one.
func (d *Driver) Drop(handle string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, w := range d.windows {
		if w.Handle == handle {
			d.windows = append(d.windows[:i], d.windows[i+1:]...)
			if d.current == handle {
				d.current = ""
			}
			return
		}
	}
}

func (d *Driver) Quit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quit = true
	d.windows = nil
	d.current = ""
	return nil
}

func asElement(el browser.Element) (*Element, error) {
	e, ok := el.(*Element)
	if !ok {
		return nil, fmt.Errorf("browsertest: foreign element %T", el)
	}
	return e, nil
}

func toElements(els []*Element) []browser.Element {
	out := make([]browser.Element, len(els))
	for i, e := range els {
		out[i] = e
	}
	return out
}

var _ browser.Driver = (*Driver)(nil)
