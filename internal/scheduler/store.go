package scheduler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidTime   = errors.New("invalid schedule time")
	ErrDuplicateTime = errors.New("schedule time already configured")
	ErrUnknownTime   = errors.New("schedule time not configured")
)

const timeLayout = "15:04"

type file struct {
	Times []string `yaml:"times"`
}

// Store is the persisted set of daily HH:MM triggers.
type Store struct {
	mu    sync.RWMutex
	path  string
	times []string
}

// OpenStore loads the trigger file at path. A missing file yields an empty
// set; it is created on the first change.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read schedules: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode schedules %s: %w", path, err)
	}
	for _, t := range f.Times {
		norm, err := ParseTime(t)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(s.times, norm) {
			s.times = append(s.times, norm)
		}
	}
	slices.Sort(s.times)
	return s, nil
}

// ParseTime validates an HH:MM value and returns it zero-padded.
func ParseTime(value string) (string, error) {
	t, err := time.Parse(timeLayout, strings.TrimSpace(value))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidTime, value)
	}
	return t.Format(timeLayout), nil
}

func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.times)
}

func (s *Store) Contains(hhmm string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, found := slices.BinarySearch(s.times, hhmm)
	return found
}

// Add inserts a trigger and persists the set.
func (s *Store) Add(value string) (string, error) {
	norm, err := ParseTime(value)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	i, found := slices.BinarySearch(s.times, norm)
	if found {
		return "", fmt.Errorf("%w: %s", ErrDuplicateTime, norm)
	}
	next := slices.Insert(slices.Clone(s.times), i, norm)
	if err := s.save(next); err != nil {
		return "", err
	}
	s.times = next
	return norm, nil
}

func (s *Store) Remove(value string) error {
	norm, err := ParseTime(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	i, found := slices.BinarySearch(s.times, norm)
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownTime, norm)
	}
	next := slices.Delete(slices.Clone(s.times), i, i+1)
	if err := s.save(next); err != nil {
		return err
	}
	s.times = next
	return nil
}

func (s *Store) save(times []string) error {
	data, err := yaml.Marshal(file{Times: times})
	if err != nil {
		return fmt.Errorf("failed to encode schedules: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create schedule dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write schedules: %w", err)
	}
	return nil
}
