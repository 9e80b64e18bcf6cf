// Package catalog loads the task template catalog used to fill default task
// fields at intake.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/planrelay/internal/staging"
)

const (
	DefaultCategory = "General"
	reloadDebounce  = 200 * time.Millisecond
)

// Template holds defaults for one task category.
type Template struct {
	Category                string `yaml:"category"`
	DefaultPriority         string `yaml:"default_priority"`
	DefaultReminderLeadDays int    `yaml:"default_reminder_lead_days"`
	DefaultDueOffsetDays    int    `yaml:"default_due_offset_days"`
}

type fileFormat struct {
	DefaultCategory string     `yaml:"default_category"`
	Templates       []Template `yaml:"templates"`
}

// Catalog is immutable once built.
type Catalog struct {
	defaultCategory string
	byCategory      map[string]Template
}

func Empty() *Catalog {
	return &Catalog{defaultCategory: DefaultCategory, byCategory: map[string]Template{}}
}

func Parse(data []byte) (*Catalog, error) {
	var raw fileFormat
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c := Empty()
	if name := strings.TrimSpace(raw.DefaultCategory); name != "" {
		c.defaultCategory = name
	}
	for i, tpl := range raw.Templates {
		tpl.Category = strings.TrimSpace(tpl.Category)
		if tpl.Category == "" {
			return nil, fmt.Errorf("catalog template %d: category is required", i)
		}
		if tpl.DefaultPriority != "" {
			priority, ok := staging.ParsePriority(tpl.DefaultPriority)
			if !ok {
				return nil, fmt.Errorf("catalog template %q: unknown priority %q", tpl.Category, tpl.DefaultPriority)
			}
			tpl.DefaultPriority = string(priority)
		}
		if tpl.DefaultReminderLeadDays < 0 || tpl.DefaultDueOffsetDays < 0 {
			return nil, fmt.Errorf("catalog template %q: day offsets must not be negative", tpl.Category)
		}
		c.byCategory[strings.ToLower(tpl.Category)] = tpl
	}
	return c, nil
}

func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func (c *Catalog) DefaultCategory() string {
	if c == nil || c.defaultCategory == "" {
		return DefaultCategory
	}
	return c.defaultCategory
}

func (c *Catalog) Lookup(category string) (Template, bool) {
	if c == nil {
		return Template{}, false
	}
	tpl, ok := c.byCategory[strings.ToLower(strings.TrimSpace(category))]
	return tpl, ok
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.byCategory)
}

// TaskDefaults carries the optional task fields a submitter may omit.
type TaskDefaults struct {
	Category          string
	Priority          staging.Priority
	ReminderLeadDays  *int
	DueDateOffsetDays *int
}

// Apply fills omitted task fields: category falls back to the default
// category, then the category template supplies priority and day offsets.
// Priority falls back to Medium when no template sets one.
func (c *Catalog) Apply(in TaskDefaults) (category string, priority staging.Priority, reminder int, due int) {
	category = strings.TrimSpace(in.Category)
	if category == "" {
		category = c.DefaultCategory()
	}
	tpl, _ := c.Lookup(category)
	priority = in.Priority
	if priority == "" {
		priority = staging.Priority(tpl.DefaultPriority)
	}
	if priority == "" {
		priority = staging.PriorityMedium
	}
	reminder = tpl.DefaultReminderLeadDays
	if in.ReminderLeadDays != nil {
		reminder = *in.ReminderLeadDays
	}
	due = tpl.DefaultDueOffsetDays
	if in.DueDateOffsetDays != nil {
		due = *in.DueDateOffsetDays
	}
	return category, priority, reminder, due
}

// Source hands out the current catalog. Reads are lock-free and safe during
// reloads.
type Source struct {
	current atomic.Pointer[Catalog]
	path    string
	logger  *slog.Logger
}

func NewSource(initial *Catalog) *Source {
	s := &Source{logger: slog.Default()}
	if initial == nil {
		initial = Empty()
	}
	s.current.Store(initial)
	return s
}

// OpenSource loads path. An empty path yields an empty catalog.
func OpenSource(path string, logger *slog.Logger) (*Source, error) {
	path = strings.TrimSpace(path)
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		s := NewSource(nil)
		s.logger = logger
		return s, nil
	}
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := NewSource(c)
	s.path = path
	s.logger = logger
	return s, nil
}

func (s *Source) Current() *Catalog {
	if s == nil {
		return Empty()
	}
	return s.current.Load()
}

// Reload re-reads the backing file. A broken file keeps the previous catalog.
func (s *Source) Reload() error {
	if s.path == "" {
		return nil
	}
	c, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(c)
	s.logger.Info("catalog reloaded", "path", s.path, "templates", c.Len())
	return nil
}

// Watch reloads the catalog whenever its file changes until ctx is done. The
// parent directory is watched so that atomic rename-over saves are seen.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return err
	}
	target := filepath.Clean(s.path)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("catalog watch error", "error", err)
		case <-debounce:
			debounce = nil
			if err := s.Reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("catalog reload failed, keeping previous catalog", "path", s.path, "error", err)
			}
		}
	}
}
