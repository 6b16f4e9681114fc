package updater

import (
	"errors"
	"slices"
)

var ErrRootClosed = errors.New("root window was closed")

// WindowStack models the open windows of one session, oldest first. The
// root is the window the session logged in with; the frontier is the most
// recently opened one. The anchor is the window a multi-step form returns to.
//
// Values are immutable: every method that changes the stack returns a new
// one, so each step of a plate update hands the focus it ends on to the
// next step explicitly.
type WindowStack struct {
	handles []string
	anchor  string
}

func NewWindowStack(root string) WindowStack {
	return WindowStack{handles: []string{root}}
}

func (s WindowStack) Root() string {
	if len(s.handles) == 0 {
		return ""
	}
	return s.handles[0]
}

func (s WindowStack) Frontier() string {
	if len(s.handles) == 0 {
		return ""
	}
	return s.handles[len(s.handles)-1]
}

func (s WindowStack) Anchor() (string, bool) {
	return s.anchor, s.anchor != ""
}

func (s WindowStack) Len() int {
	return len(s.handles)
}

func (s WindowStack) Handles() []string {
	return slices.Clone(s.handles)
}

// Anchored marks the frontier as the anchor.
func (s WindowStack) Anchored() WindowStack {
	return WindowStack{handles: s.handles, anchor: s.Frontier()}
}

// Pop drops the frontier. The root is never popped.
func (s WindowStack) Pop() WindowStack {
	if len(s.handles) <= 1 {
		return s
	}
	next := WindowStack{handles: slices.Clone(s.handles[:len(s.handles)-1]), anchor: s.anchor}
	if next.anchor != "" && !slices.Contains(next.handles, next.anchor) {
		next.anchor = ""
	}
	return next
}

// Sync reconciles the stack with the handles the browser reports. Known
// handles keep their position, vanished ones are dropped and unknown ones
// are pushed in the reported order.
func (s WindowStack) Sync(open []string) (WindowStack, error) {
	if !slices.Contains(open, s.Root()) {
		return s, ErrRootClosed
	}

	handles := make([]string, 0, len(open))
	for _, h := range s.handles {
		if slices.Contains(open, h) {
			handles = append(handles, h)
		}
	}
	for _, h := range open {
		if !slices.Contains(handles, h) {
			handles = append(handles, h)
		}
	}

	next := WindowStack{handles: handles, anchor: s.anchor}
	if next.anchor != "" && !slices.Contains(handles, next.anchor) {
		next.anchor = ""
	}
	return next, nil
}
