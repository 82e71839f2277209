package memwindow

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedTracker(store Store) (*Tracker, *time.Time) {
	now := base
	t := NewTracker(store, nil)
	t.nowFunc = func() time.Time { return now }
	return t, &now
}

func TestAppend_TurnCap(t *testing.T) {
	tr, now := fixedTracker(nil)

	for i := 0; i < MaxTurns+10; i++ {
		*now = now.Add(time.Second)
		if err := tr.Append("conv1", "user", fmt.Sprintf("turn %d", i)); err != nil {
			t.Fatal(err)
		}
	}

	w, ok := tr.Window("conv1")
	if !ok {
		t.Fatal("window missing")
	}
	if len(w.Turns) != MaxTurns {
		t.Fatalf("turns = %d, want %d", len(w.Turns), MaxTurns)
	}
	// Oldest turns fell off; the newest survives.
	if w.Turns[0].Content != "turn 10" {
		t.Errorf("first turn = %q, want %q", w.Turns[0].Content, "turn 10")
	}
	if w.Turns[len(w.Turns)-1].Content != fmt.Sprintf("turn %d", MaxTurns+9) {
		t.Errorf("last turn = %q", w.Turns[len(w.Turns)-1].Content)
	}
}

func TestContextBag(t *testing.T) {
	tr, _ := fixedTracker(nil)

	if err := tr.SetContext("conv1", "destination", "Austin"); err != nil {
		t.Fatal(err)
	}
	if err := tr.MergeContext("conv1", map[string]any{
		"resume_input": "yes",
		"destination":  "Boston", // merge overwrites
	}); err != nil {
		t.Fatal(err)
	}

	w, ok := tr.Window("conv1")
	if !ok {
		t.Fatal("window missing")
	}
	if w.Context["destination"] != "Boston" || w.Context["resume_input"] != "yes" {
		t.Errorf("context = %v", w.Context)
	}
}

func TestWindow_ReturnsCopy(t *testing.T) {
	tr, _ := fixedTracker(nil)
	if err := tr.Append("conv1", "user", "hello"); err != nil {
		t.Fatal(err)
	}

	w, _ := tr.Window("conv1")
	w.Turns[0].Content = "mutated"
	w.Context = map[string]any{"x": 1}

	again, _ := tr.Window("conv1")
	if again.Turns[0].Content != "hello" {
		t.Error("caller mutation leaked into tracker state")
	}
}

func TestEvict_IdleWindows(t *testing.T) {
	tr, now := fixedTracker(nil)

	if err := tr.Append("stale", "user", "old message"); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(23 * time.Hour)
	if err := tr.Append("active", "user", "recent message"); err != nil {
		t.Fatal(err)
	}

	// 25h after "stale" last moved, 2h after "active" did.
	*now = now.Add(2 * time.Hour)
	if got := tr.Evict(); got != 1 {
		t.Errorf("Evict = %d, want 1", got)
	}

	if _, ok := tr.Window("stale"); ok {
		t.Error("stale window still served")
	}
	if _, ok := tr.Window("active"); !ok {
		t.Error("active window evicted")
	}
}

func TestDurableWriteThrough(t *testing.T) {
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "windows.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	tr, now := fixedTracker(st)
	if err := tr.Append("conv1", "user", "hello"); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(time.Minute)
	if err := tr.Append("conv1", "assistant", "hi there"); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetContext("conv1", "topic", "greetings"); err != nil {
		t.Fatal(err)
	}

	// The durable copy survives eviction from the index.
	*now = now.Add(IdleEviction + time.Hour)
	tr.Evict()
	if _, ok := tr.Window("conv1"); ok {
		t.Fatal("window still in memory")
	}

	w, err := st.Get("conv1")
	if err != nil {
		t.Fatalf("durable Get: %v", err)
	}
	if len(w.Turns) != 2 || w.Turns[1].Content != "hi there" {
		t.Errorf("durable turns = %+v", w.Turns)
	}
	if w.Context["topic"] != "greetings" {
		t.Errorf("durable context = %v", w.Context)
	}

	if _, err := st.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}
