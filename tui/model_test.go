package tui

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/scopevis/scopevis/internal/domain"
	"github.com/scopevis/scopevis/internal/track"
)

func ev(kind, id, parent, name string) domain.RawEvent {
	return domain.RawEvent{Kind: kind, ID: id, Parent: parent, Name: name}
}

// seedTracker builds a tracker with a small live tree: a main task, one open
// nursery, a runnable worker and an internal helper task
func seedTracker(t *testing.T) *track.Tracker {
	t.Helper()
	tr, err := track.New(track.Options{})
	if err != nil {
		t.Fatalf("track.New() error: %v", err)
	}
	for _, e := range []domain.RawEvent{
		ev("task_spawned", "t0", "", "main"),
		ev("nursery_opened", "n1", "t0", "workers"),
		ev("task_spawned", "t2", "n1", "fetch"),
		ev("task_scheduled", "t2", "", ""),
		ev("task_spawned", "t3", "n1", "trio.housekeeping"),
	} {
		tr.Ingest(e)
	}
	return tr
}

func testConfig(tr *track.Tracker, dir string) ModelConfig {
	return ModelConfig{
		Tracker:          tr,
		Producer:         "demo",
		InternalPrefixes: []string{"trio.", "asyncio."},
		ExportDir:        dir,
	}
}

func TestNewModel(t *testing.T) {
	model := NewModel(testConfig(seedTracker(t), t.TempDir()))

	if model.activeView != ViewTree {
		t.Errorf("activeView = %d, want ViewTree", model.activeView)
	}
	if model.paused {
		t.Error("a new model must not start paused")
	}
	if model.snap == nil || model.snap.Version != 5 {
		t.Errorf("snap = %+v, want version 5", model.snap)
	}
	if len(model.recent) != 5 {
		t.Errorf("recent count = %d, want 5", len(model.recent))
	}
}

func TestModel_ViewBeforeSize(t *testing.T) {
	model := NewModel(testConfig(seedTracker(t), t.TempDir()))

	if got := model.View(); got != "Loading..." {
		t.Errorf("View() before first resize = %q, want Loading...", got)
	}
}

func TestModel_TabSwitching(t *testing.T) {
	model := NewModel(testConfig(seedTracker(t), t.TempDir()))

	views := []View{ViewEvents, ViewAnomalies, ViewHelp, ViewTree}
	for i, want := range views {
		newModel, _ := model.Update(tea.KeyMsg{Type: tea.KeyTab})
		model = newModel.(Model)
		if model.activeView != want {
			t.Errorf("after tab %d: activeView = %d, want %d", i+1, model.activeView, want)
		}
	}
}

func TestModel_Quit(t *testing.T) {
	model := NewModel(testConfig(seedTracker(t), t.TempDir()))

	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Error("q should produce a quit command")
	}

	_, cmd = model.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Error("ctrl+c should produce a quit command")
	}
}

func TestModel_WindowSize(t *testing.T) {
	model := NewModel(testConfig(seedTracker(t), t.TempDir()))

	newModel, _ := model.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	model = newModel.(Model)

	if model.width != 100 || model.height != 40 {
		t.Errorf("size = %dx%d, want 100x40", model.width, model.height)
	}
	if model.treeVP.Width != 94 {
		t.Errorf("tree viewport width = %d, want 94", model.treeVP.Width)
	}
	if model.treeVP.Height != 34 {
		t.Errorf("tree viewport height = %d, want 34", model.treeVP.Height)
	}
}

func TestModel_TreeGlyphs(t *testing.T) {
	model := NewModel(testConfig(seedTracker(t), t.TempDir()))
	newModel, _ := model.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	model = newModel.(Model)

	view := model.View()
	for _, want := range []string{"◌ main", "▾ workers", "● fetch", "◌ trio.housekeeping"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q", want)
		}
	}
}

func TestModel_ChangeMsgRefreshes(t *testing.T) {
	tr := seedTracker(t)
	model := NewModel(testConfig(tr, t.TempDir()))
	newModel, _ := model.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	model = newModel.(Model)

	tr.Ingest(ev("task_suspended", "t2", "", ""))

	newModel, cmd := model.Update(ChangeMsg{})
	model = newModel.(Model)

	if model.stats.Version != 6 {
		t.Errorf("stats version = %d, want 6", model.stats.Version)
	}
	if model.snap.Version != 6 {
		t.Errorf("snap version = %d, want 6", model.snap.Version)
	}
	if cmd == nil {
		t.Error("change handler must re-arm the subscription")
	}
}

func TestModel_PauseFreezesView(t *testing.T) {
	tr := seedTracker(t)
	model := NewModel(testConfig(tr, t.TempDir()))
	newModel, _ := model.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	model = newModel.(Model)

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	model = newModel.(Model)
	if !model.paused {
		t.Fatal("p should pause the view")
	}

	// The tracker keeps applying while the rendered snapshot stays put
	tr.Ingest(ev("task_suspended", "t2", "", ""))
	newModel, _ = model.Update(ChangeMsg{})
	model = newModel.(Model)

	if model.snap.Version != 5 {
		t.Errorf("paused snap version = %d, want 5", model.snap.Version)
	}
	if model.stats.Version != 6 {
		t.Errorf("stats version while paused = %d, want 6", model.stats.Version)
	}

	// Resuming catches up
	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	model = newModel.(Model)

	if model.paused {
		t.Error("second p should resume")
	}
	if model.snap.Version != 6 {
		t.Errorf("snap version after resume = %d, want 6", model.snap.Version)
	}
}

func TestModel_HistoryScrub(t *testing.T) {
	model := NewModel(testConfig(seedTracker(t), t.TempDir()))
	newModel, _ := model.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	model = newModel.(Model)

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("[")})
	model = newModel.(Model)
	if model.histVersion != 4 || model.snap.Version != 4 {
		t.Errorf("after [: histVersion = %d, snap = v%d, want 4, v4", model.histVersion, model.snap.Version)
	}

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("[")})
	model = newModel.(Model)
	if model.histVersion != 3 {
		t.Errorf("after second [: histVersion = %d, want 3", model.histVersion)
	}

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("]")})
	model = newModel.(Model)
	if model.histVersion != 4 {
		t.Errorf("after ]: histVersion = %d, want 4", model.histVersion)
	}

	// Stepping onto the newest version goes live again
	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("]")})
	model = newModel.(Model)
	if model.histVersion != 0 {
		t.Errorf("after ] at the newest version: histVersion = %d, want 0", model.histVersion)
	}
	if model.snap.Version != 5 {
		t.Errorf("live snap version = %d, want 5", model.snap.Version)
	}
}

func TestModel_ResyncKey(t *testing.T) {
	model := NewModel(testConfig(seedTracker(t), t.TempDir()))
	newModel, _ := model.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	model = newModel.(Model)

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("[")})
	model = newModel.(Model)
	if model.histVersion == 0 {
		t.Fatal("scrub setup failed")
	}

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	model = newModel.(Model)

	if model.histVersion != 0 {
		t.Errorf("after r: histVersion = %d, want 0", model.histVersion)
	}
	if model.snap.Version != 5 {
		t.Errorf("after r: snap version = %d, want 5", model.snap.Version)
	}
}

func TestModel_ToggleInternal(t *testing.T) {
	tr := seedTracker(t)
	// An internal nursery with a visible child collapses instead of vanishing
	tr.Ingest(ev("nursery_opened", "n2", "t0", "trio.token_nursery"))
	tr.Ingest(ev("task_spawned", "t4", "n2", "reaper"))

	model := NewModel(testConfig(tr, t.TempDir()))
	newModel, _ := model.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	model = newModel.(Model)

	view := model.View()
	if !strings.Contains(view, "trio.housekeeping") {
		t.Fatal("internal tasks should be visible before toggling")
	}

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("i")})
	model = newModel.(Model)

	view = model.View()
	if strings.Contains(view, "trio.") {
		t.Error("internal names still visible after i")
	}
	if !strings.Contains(view, "…") {
		t.Error("hidden parent with visible child should collapse to …")
	}
	if !strings.Contains(view, "reaper") {
		t.Error("visible child of a hidden parent must stay")
	}
}

func TestModel_ExportKey(t *testing.T) {
	dir := t.TempDir()
	model := NewModel(testConfig(seedTracker(t), dir))
	newModel, _ := model.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	model = newModel.(Model)

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("e")})
	model = newModel.(Model)

	if !strings.HasPrefix(model.flash, "frame written") {
		t.Fatalf("flash = %q, want a frame written notice", model.flash)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading export dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("export dir has %d entries, want 1", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasPrefix(name, "frame-") || !strings.HasSuffix(name, "-v5.json") {
		t.Errorf("frame file name = %q", name)
	}

	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	if !strings.Contains(string(data), `"version": 5`) {
		t.Errorf("frame misses version field: %s", data)
	}
}

func TestModel_EventsView(t *testing.T) {
	tr := seedTracker(t)
	tr.Ingest(domain.RawEvent{}) // malformed, shows up without a sequence number

	model := NewModel(testConfig(tr, t.TempDir()))
	newModel, _ := model.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	model = newModel.(Model)

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyTab})
	model = newModel.(Model)
	if model.activeView != ViewEvents {
		t.Fatalf("activeView = %d, want ViewEvents", model.activeView)
	}

	view := model.View()
	if !strings.Contains(view, "task_spawned") {
		t.Error("events view misses applied events")
	}
	if !strings.Contains(view, "#    1") {
		t.Error("events view misses sequence numbers")
	}
	if !strings.Contains(view, "    --") {
		t.Error("rejected events should render without a sequence number")
	}
}

func TestModel_AnomaliesView(t *testing.T) {
	tr := seedTracker(t)
	tr.Ingest(ev("task_exited", "t2", "", ""))
	tr.Ingest(ev("task_scheduled", "t2", "", "")) // stale, t2 already finished

	model := NewModel(testConfig(tr, t.TempDir()))
	newModel, _ := model.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	model = newModel.(Model)

	for i := 0; i < 2; i++ {
		newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyTab})
		model = newModel.(Model)
	}
	if model.activeView != ViewAnomalies {
		t.Fatalf("activeView = %d, want ViewAnomalies", model.activeView)
	}

	view := model.View()
	if !strings.Contains(view, "stale") || !strings.Contains(view, "t2") {
		t.Errorf("anomalies view misses the stale drop: %q", view)
	}
}

func TestModel_ScrollKeys(t *testing.T) {
	model := NewModel(testConfig(seedTracker(t), t.TempDir()))
	newModel, _ := model.Update(tea.WindowSizeMsg{Width: 60, Height: 9})
	model = newModel.(Model)

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyTab})
	model = newModel.(Model)

	// Five event lines in a three line viewport, following the newest
	if !model.eventsVP.AtBottom() {
		t.Fatal("events view should start at the bottom")
	}

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})
	model = newModel.(Model)
	if model.eventsVP.YOffset != 1 {
		t.Errorf("after k: YOffset = %d, want 1", model.eventsVP.YOffset)
	}

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("g")})
	model = newModel.(Model)
	if model.eventsVP.YOffset != 0 {
		t.Errorf("after g: YOffset = %d, want 0", model.eventsVP.YOffset)
	}

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("G")})
	model = newModel.(Model)
	if !model.eventsVP.AtBottom() {
		t.Error("G should jump to the bottom")
	}
}

func TestModel_HelpKey(t *testing.T) {
	model := NewModel(testConfig(seedTracker(t), t.TempDir()))
	newModel, _ := model.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	model = newModel.(Model)

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("?")})
	model = newModel.(Model)

	if model.activeView != ViewHelp {
		t.Errorf("activeView = %d, want ViewHelp", model.activeView)
	}
	if view := model.View(); !strings.Contains(view, "GLYPHS") {
		t.Error("help view misses the glyph legend")
	}
}

func TestModel_WaitingForEvents(t *testing.T) {
	tr, err := track.New(track.Options{})
	if err != nil {
		t.Fatalf("track.New() error: %v", err)
	}

	model := NewModel(testConfig(tr, t.TempDir()))
	newModel, _ := model.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	model = newModel.(Model)

	if view := model.View(); !strings.Contains(view, "waiting for events") {
		t.Error("empty tracker should render the waiting state")
	}
}

func TestModel_StatusBarModes(t *testing.T) {
	model := NewModel(testConfig(seedTracker(t), t.TempDir()))
	newModel, _ := model.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	model = newModel.(Model)

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	model = newModel.(Model)
	if view := model.View(); !strings.Contains(view, "paused at v5") {
		t.Error("status bar misses the paused marker")
	}

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	model = newModel.(Model)
	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("[")})
	model = newModel.(Model)
	if view := model.View(); !strings.Contains(view, "history v4") {
		t.Error("status bar misses the history marker")
	}
}

type fakeStepper struct {
	calls int
}

func (f *fakeStepper) Advance() { f.calls++ }

func TestModel_StepKey(t *testing.T) {
	cfg := testConfig(seedTracker(t), t.TempDir())
	step := &fakeStepper{}
	cfg.Stepper = step

	model := NewModel(cfg)
	newModel, _ := model.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	model = newModel.(Model)

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeySpace})
	model = newModel.(Model)
	if step.calls != 1 {
		t.Errorf("Advance calls = %d after space, want 1", step.calls)
	}

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("n")})
	model = newModel.(Model)
	if step.calls != 2 {
		t.Errorf("Advance calls = %d after n, want 2", step.calls)
	}

	if view := model.View(); !strings.Contains(view, "[space]step") {
		t.Error("status bar misses the step hint")
	}
}

func TestModel_StepKeyWithoutStepper(t *testing.T) {
	model := NewModel(testConfig(seedTracker(t), t.TempDir()))
	newModel, _ := model.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	model = newModel.(Model)

	// no stepper wired: space falls through to the pane and must not panic
	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeySpace})
	model = newModel.(Model)
	if view := model.View(); strings.Contains(view, "[space]step") {
		t.Error("step hint shown without a stepper")
	}
}
