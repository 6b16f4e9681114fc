// Package browser defines the UI driver capability consumed by the workflow.
// Implementations live under internal/adapters; browsertest provides an
// in-memory fake.
package browser

import (
	"context"
	"errors"
	"time"
)

var (
	ErrElementNotFound = errors.New("element not found")
	ErrNoWindow        = errors.New("no open window")
)

// Strategy values match the W3C WebDriver locator strategies.
type Strategy string

const (
	ByID    Strategy = "id"
	ByName  Strategy = "name"
	ByCSS   Strategy = "css selector"
	ByXPath Strategy = "xpath"
	ByTag   Strategy = "tag name"
)

type Selector struct {
	By    Strategy
	Value string
}

func ID(v string) Selector    { return Selector{By: ByID, Value: v} }
func Name(v string) Selector  { return Selector{By: ByName, Value: v} }
func CSS(v string) Selector   { return Selector{By: ByCSS, Value: v} }
func XPath(v string) Selector { return Selector{By: ByXPath, Value: v} }
func Tag(v string) Selector   { return Selector{By: ByTag, Value: v} }

func (s Selector) String() string {
	return string(s.By) + "=" + s.Value
}

type Element interface {
	Text() (string, error)
	SendKeys(text string) error
	Clear() error
	// Click simulates a pointer click.
	Click() error
	FindElement(sel Selector) (Element, error)
	FindElements(sel Selector) ([]Element, error)
}

// Driver is one browser instance. Lookups operate on the current window.
// Implementations are not safe for concurrent use.
type Driver interface {
	Navigate(url string) error
	Find(sel Selector) (Element, error)
	FindAll(sel Selector) ([]Element, error)
	// WaitFor polls for sel until it appears, the timeout elapses or ctx is
	// done. A timeout is reported as ErrElementNotFound.
	WaitFor(ctx context.Context, sel Selector, timeout time.Duration) (Element, error)
	// DispatchClick fires the element's click handler through the DOM
	// instead of a synthetic pointer event.
	DispatchClick(el Element) error
	// RawText returns the element's textContent, including hidden text.
	RawText(el Element) (string, error)
	SelectOption(el Element, value string) error

	// Windows lists the open window handles in creation order.
	Windows() ([]string, error)
	CurrentWindow() (string, error)
	SwitchWindow(handle string) error
	// CloseWindow closes the current window. Callers must switch to another
	// handle before the next lookup.
	CloseWindow() error
	Quit() error
}

// Factory starts a new browser instance.
type Factory interface {
	NewDriver(ctx context.Context) (Driver, error)
}

type FactoryFunc func(ctx context.Context) (Driver, error)

func (f FactoryFunc) NewDriver(ctx context.Context) (Driver, error) {
	return f(ctx)
}

// FirstPresent returns the first selector that resolves in the current
// window, trying them in order.
func FirstPresent(d Driver, sels ...Selector) (Element, error) {
	var lastErr error = ErrElementNotFound
	for _, sel := range sels {
		el, err := d.Find(sel)
		if err == nil {
			return el, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
