package tui

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/scopevis/scopevis/internal/export"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab":
			m.activeView = (m.activeView + 1) % 4
		case "?":
			m.activeView = ViewHelp
		case "p":
			m.paused = !m.paused
			if !m.paused {
				m.refresh()
				m.refreshViews()
			}
		case "[":
			m.scrubBack()
		case "]":
			m.scrubForward()
		case "r":
			m.histVersion = 0
			m.paused = false
			m.refresh()
			m.refreshViews()
			m.setFlash(fmt.Sprintf("live at v%d", m.stats.Version))
		case "i":
			m.hideInternal = !m.hideInternal
			m.refreshViews()
		case "e":
			m.exportFrame()
		case " ", "n":
			if m.stepper == nil {
				return m, m.routeScroll(msg)
			}
			m.stepper.Advance()
		case "g":
			switch m.activeView {
			case ViewTree:
				m.treeVP.GotoTop()
			case ViewEvents:
				m.eventsVP.GotoTop()
			case ViewAnomalies:
				m.anomalyVP.GotoTop()
			}
		case "G":
			switch m.activeView {
			case ViewTree:
				m.treeVP.GotoBottom()
			case ViewEvents:
				m.eventsVP.GotoBottom()
			case ViewAnomalies:
				m.anomalyVP.GotoBottom()
			}
		default:
			// remaining keys scroll the pane in view
			return m, m.routeScroll(msg)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()

	case ChangeMsg:
		m.lastChange = time.Now()
		m.refresh()
		m.refreshViews()
		return m, waitForChange(m.changes)

	case TickMsg:
		// re-render so the last-change age stays current
		return m, tickCmd()

	case spinner.TickMsg:
		if m.stats.Version > 0 || m.stats.Finalized {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	return m, nil
}

// refresh pulls current state from the tracker. The pinned snapshot is left
// alone while paused or scrubbing.
func (m *Model) refresh() {
	m.stats = m.tracker.Stats()
	if m.producerFn != nil {
		if p := m.producerFn(); p != "" {
			m.producer = p
		}
	}
	if m.paused {
		return
	}
	if m.histVersion == 0 {
		m.snap = m.tracker.Current()
	}
	m.recent = m.tracker.Recent(0)
	m.anomalies = m.tracker.Anomalies()
}

// refreshViews rebuilds the pane contents from the rendered state
func (m *Model) refreshViews() {
	m.treeVP.SetContent(m.renderTree())
	follow := m.eventsVP.AtBottom()
	m.eventsVP.SetContent(m.renderEvents())
	if follow {
		m.eventsVP.GotoBottom()
	}
	m.anomalyVP.SetContent(m.renderAnomalies())
}

func (m *Model) resize() {
	w := m.width - 6
	if w < 10 {
		w = 10
	}
	h := m.height - 6
	if h < 3 {
		h = 3
	}
	m.treeVP.Width = w
	m.treeVP.Height = h
	m.eventsVP.Width = w
	m.eventsVP.Height = h
	m.anomalyVP.Width = w
	m.anomalyVP.Height = h
	m.refreshViews()
}

func (m *Model) routeScroll(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	switch m.activeView {
	case ViewTree:
		m.treeVP, cmd = m.treeVP.Update(msg)
	case ViewEvents:
		m.eventsVP, cmd = m.eventsVP.Update(msg)
	case ViewAnomalies:
		m.anomalyVP, cmd = m.anomalyVP.Update(msg)
	}
	return cmd
}

// scrubBack pins the view one version back in the history ring
func (m *Model) scrubBack() {
	lo, _ := m.tracker.Window()
	if lo == 0 {
		m.setFlash("no history retained")
		return
	}
	cur := m.histVersion
	if cur == 0 && m.snap != nil {
		cur = m.snap.Version
	}
	if cur <= lo {
		m.setFlash(fmt.Sprintf("v%d is the oldest retained version", cur))
		return
	}
	snap, ok := m.tracker.At(cur - 1)
	if !ok {
		m.setFlash(fmt.Sprintf("v%d no longer retained", cur-1))
		return
	}
	m.histVersion = snap.Version
	m.snap = snap
	m.refreshViews()
}

// scrubForward steps toward the live version, going live on arrival
func (m *Model) scrubForward() {
	if m.histVersion == 0 {
		return
	}
	_, hi := m.tracker.Window()
	if m.histVersion+1 >= hi {
		m.histVersion = 0
		m.refresh()
		m.refreshViews()
		m.setFlash(fmt.Sprintf("live at v%d", m.stats.Version))
		return
	}
	snap, ok := m.tracker.At(m.histVersion + 1)
	if !ok {
		// the ring moved on underneath us
		m.histVersion = 0
		m.refresh()
		m.setFlash(fmt.Sprintf("live at v%d", m.stats.Version))
	} else {
		m.histVersion = snap.Version
		m.snap = snap
	}
	m.refreshViews()
}

// exportFrame writes the snapshot in view, so a paused or scrubbed frame is
// exported exactly as shown
func (m *Model) exportFrame() {
	if m.snap == nil {
		return
	}
	f := export.Build(m.snap, export.Options{
		HideInternal:     m.hideInternal,
		InternalPrefixes: m.prefixes,
	})
	if m.exportDir != "" {
		if err := os.MkdirAll(m.exportDir, 0o755); err != nil {
			m.setFlash("export failed: " + err.Error())
			return
		}
	}
	name := fmt.Sprintf("frame-%s-v%d.json", time.Now().Format("20060102-150405"), f.Version)
	path := filepath.Join(m.exportDir, name)
	if err := f.WriteFile(path); err != nil {
		m.setFlash("export failed: " + err.Error())
		return
	}
	m.setFlash("frame written: " + path)
}

func (m *Model) setFlash(s string) {
	m.flash = s
	m.flashExp = time.Now().Add(3 * time.Second)
}
