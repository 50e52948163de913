// Package tui renders a live task tree in the terminal. The model is a
// passive consumer: it subscribes to tracker change notifications and pulls
// snapshots, never feeding anything back into the pipeline.
package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/scopevis/scopevis/internal/track"
	"github.com/scopevis/scopevis/internal/tree"
)

// View selects which pane fills the body
type View int

const (
	ViewTree View = iota
	ViewEvents
	ViewAnomalies
	ViewHelp
)

// Stepper advances a manually gated feed by one event
type Stepper interface {
	Advance()
}

// Model is the TUI application model
type Model struct {
	tracker *track.Tracker
	changes <-chan struct{}

	// Rendered state, pulled from the tracker on change notifications.
	// snap is pinned while paused or scrubbing history.
	snap      *tree.Snapshot
	stats     track.Stats
	recent    []track.RecentEvent
	anomalies []tree.Anomaly

	producer   string
	producerFn func() string
	exportDir  string
	stepper    Stepper

	// UI state
	width       int
	height      int
	activeView  View
	paused      bool
	histVersion uint64 // 0 means live
	lastChange  time.Time

	hideInternal bool
	prefixes     []string

	flash    string
	flashExp time.Time

	treeVP    viewport.Model
	eventsVP  viewport.Model
	anomalyVP viewport.Model
	spin      spinner.Model
}

// ModelConfig holds initial data for the TUI model
type ModelConfig struct {
	Tracker  *track.Tracker
	Producer string

	// ProducerFunc, when set, overrides Producer once it returns a
	// non-empty name. Listen mode uses it to show who connected.
	ProducerFunc func() string

	HideInternal     bool
	InternalPrefixes []string

	// ExportDir receives frames written with the export key
	ExportDir string

	// Stepper, when set, gates the feed; the step key advances it
	Stepper Stepper
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	spin := spinner.New()
	spin.Spinner = spinner.MiniDot
	spin.Style = dimmedStyle

	m := Model{
		tracker:      cfg.Tracker,
		changes:      cfg.Tracker.Subscribe(),
		producer:     cfg.Producer,
		producerFn:   cfg.ProducerFunc,
		exportDir:    cfg.ExportDir,
		stepper:      cfg.Stepper,
		hideInternal: cfg.HideInternal,
		prefixes:     cfg.InternalPrefixes,
		treeVP:       viewport.New(0, 0),
		eventsVP:     viewport.New(0, 0),
		anomalyVP:    viewport.New(0, 0),
		spin:         spin,
	}
	m.refresh()
	return m
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		waitForChange(m.changes),
		tickCmd(),
		m.spin.Tick,
	)
}

// ChangeMsg signals that the tracker published a new version
type ChangeMsg struct{}

func waitForChange(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-ch
		return ChangeMsg{}
	}
}

// TickMsg triggers a refresh
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}
