package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/planrelay/internal/staging"
)

const sampleCatalog = `
default_category: Onboarding
templates:
  - category: Onboarding
    default_priority: high
    default_reminder_lead_days: 2
    default_due_offset_days: 7
  - category: Compliance
    default_priority: Low
`

func TestParseAndApply(t *testing.T) {
	c, err := Parse([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Len() != 2 || c.DefaultCategory() != "Onboarding" {
		t.Fatalf("unexpected catalog: len=%d default=%q", c.Len(), c.DefaultCategory())
	}

	category, priority, reminder, due := c.Apply(TaskDefaults{})
	if category != "Onboarding" || priority != staging.PriorityHigh || reminder != 2 || due != 7 {
		t.Fatalf("unexpected defaults: %s %s %d %d", category, priority, reminder, due)
	}

	three := 3
	category, priority, reminder, due = c.Apply(TaskDefaults{Category: "compliance", ReminderLeadDays: &three})
	if category != "compliance" || priority != staging.PriorityLow || reminder != 3 || due != 0 {
		t.Fatalf("unexpected compliance defaults: %s %s %d %d", category, priority, reminder, due)
	}

	_, priority, _, _ = c.Apply(TaskDefaults{Category: "Unknown"})
	if priority != staging.PriorityMedium {
		t.Fatalf("expected Medium fallback, got %s", priority)
	}
}

func TestParseRejectsBadTemplates(t *testing.T) {
	cases := []string{
		"templates:\n  - default_priority: High\n",
		"templates:\n  - category: X\n    default_priority: urgent\n",
		"templates:\n  - category: X\n    default_due_offset_days: -1\n",
	}
	for _, raw := range cases {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestOpenSourceWithoutPathIsEmpty(t *testing.T) {
	s, err := OpenSource("", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.Current().DefaultCategory() != DefaultCategory {
		t.Fatalf("expected built-in default category")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(sampleCatalog), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := OpenSource(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	updated := strings.Replace(sampleCatalog, "default_category: Onboarding", "default_category: Compliance", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for s.Current().DefaultCategory() != "Compliance" {
		if time.Now().After(deadline) {
			t.Fatalf("catalog was not reloaded")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := os.WriteFile(path, []byte("templates: [broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(500 * time.Millisecond)
	if s.Current().DefaultCategory() != "Compliance" {
		t.Fatalf("broken file must keep the previous catalog")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop")
	}
}
