package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/dustin/go-humanize"

	"github.com/scopevis/scopevis/internal/domain"
	"github.com/scopevis/scopevis/internal/tree"
)

var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255")).
		Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	spawnedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	runnableStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	waitingStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	finishedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))

	cancelledStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196"))

	nurseryStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("39"))

	warningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	dimmedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))

	dimmedWarningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("172"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	age := "no events"
	if !m.lastChange.IsZero() {
		age = "changed " + humanize.Time(m.lastChange)
	}
	header := fmt.Sprintf(" scopevis │ %s │ v%s │ nodes %s │ tasks %d/%d live │ events %s │ anomalies %s │ %s ",
		m.producer,
		humanize.Comma(int64(m.stats.Version)),
		humanize.Comma(int64(m.stats.Nodes)),
		m.stats.LiveTasks, m.stats.TotalTasks,
		humanize.Comma(int64(m.stats.Applied)),
		humanize.Comma(int64(m.stats.Anomalies)),
		age)
	b.WriteString(headerStyle.Width(m.width).Render(ansi.Truncate(header, m.width-2, "…")))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	switch m.activeView {
	case ViewTree:
		if m.stats.Version == 0 && !m.stats.Finalized {
			waiting := fmt.Sprintf("%s waiting for events from %s", m.spin.View(), m.producer)
			b.WriteString(sectionStyle.Width(m.width - 2).Render(waiting))
		} else {
			b.WriteString(sectionStyle.Width(m.width - 2).Render(m.treeVP.View()))
		}
	case ViewEvents:
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.eventsVP.View()))
	case ViewAnomalies:
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.anomalyVP.View()))
	case ViewHelp:
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderHelp()))
	}
	b.WriteString("\n")

	if m.flash != "" && time.Now().Before(m.flashExp) {
		flashStyle := runnableStyle
		if strings.HasPrefix(m.flash, "export failed") {
			flashStyle = warningStyle
		}
		b.WriteString(flashStyle.Width(m.width).Render(fmt.Sprintf(" %s ", m.flash)))
		b.WriteString("\n")
	}

	b.WriteString(statusBarStyle.Width(m.width).Render(m.renderStatusBar()))

	return b.String()
}

func (m Model) renderTabs() string {
	tabs := []string{"Tree", "Events", "Anomalies", "Help"}
	var parts []string

	for i, tab := range tabs {
		if View(i) == m.activeView {
			parts = append(parts, tabActiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		} else {
			parts = append(parts, tabInactiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		}
	}

	return strings.Join(parts, "│")
}

func (m Model) renderStatusBar() string {
	mode := ""
	switch {
	case m.histVersion != 0:
		mode = fmt.Sprintf("⌕ history v%d", m.histVersion)
	case m.paused:
		mode = fmt.Sprintf("⏸ paused at v%d", m.viewVersion())
	case m.stats.Finalized:
		mode = "■ stream ended"
	}

	var bar string
	switch m.activeView {
	case ViewTree:
		bar = " [tab]switch [j/k]scroll [p]ause [[/]]history [r]live [i]nternal [e]xport [?]help [q]uit "
		if m.stepper != nil {
			bar = " [space]step" + bar
		}
	case ViewEvents:
		bar = " [tab]switch [j/k]scroll [g/G]ends [e]xport [q]uit "
	case ViewAnomalies:
		bar = " [tab]switch [j/k]scroll [g/G]ends [q]uit "
	default:
		bar = " [tab]switch [q]uit "
	}
	if mode != "" {
		bar = fmt.Sprintf(" %s │%s", mode, bar)
	}

	return ansi.Truncate(bar, m.width, "")
}

func (m Model) viewVersion() uint64 {
	if m.snap != nil {
		return m.snap.Version
	}
	return 0
}

func (m Model) renderTree() string {
	if m.snap == nil {
		return ""
	}
	root, ok := m.snap.Get(m.snap.Root)
	if !ok || len(root.Children) == 0 {
		return dimmedStyle.Render("no tasks yet")
	}

	var b strings.Builder
	for _, id := range root.Children {
		m.writeNode(&b, id, 0)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// writeNode renders one node and its subtree. Internal nodes collapse to a
// single dimmed marker when hidden, but their visible descendants stay.
func (m Model) writeNode(b *strings.Builder, id domain.NodeID, depth int) {
	v, ok := m.snap.Get(id)
	if !ok {
		return
	}
	indent := strings.Repeat("  ", depth)

	if m.hideInternal && m.internal(v.Name) {
		if !m.hasVisibleDescendant(v) {
			return
		}
		b.WriteString(m.clip(indent + dimmedStyle.Render("…")))
		b.WriteString("\n")
		for _, c := range v.Children {
			m.writeNode(b, c, depth+1)
		}
		return
	}

	glyph, style := stateGlyph(v)
	pending := ""
	if v.Pending {
		pending = "!"
	}
	name := v.Name
	if name == "" {
		name = string(v.ID)
	}
	if v.Placeholder {
		name += "?"
		style = dimmedStyle
	}

	b.WriteString(m.clip(style.Render(fmt.Sprintf("%s%s%s %s", indent, glyph, pending, name))))
	b.WriteString("\n")

	for _, c := range v.Children {
		m.writeNode(b, c, depth+1)
	}
}

func (m Model) hasVisibleDescendant(v *tree.NodeView) bool {
	for _, c := range v.Children {
		cv, ok := m.snap.Get(c)
		if !ok {
			continue
		}
		if !m.internal(cv.Name) || m.hasVisibleDescendant(cv) {
			return true
		}
	}
	return false
}

func (m Model) renderEvents() string {
	if len(m.recent) == 0 {
		return dimmedStyle.Render("no events yet")
	}

	var b strings.Builder
	for _, ev := range m.recent {
		seq := "    --"
		if ev.Seq > 0 {
			seq = fmt.Sprintf("#%5d", ev.Seq)
		}
		line := fmt.Sprintf("%s %s %s %-16s %-14s", ev.Time.Format("15:04:05.000"), seq, kindGlyph(ev.Kind), ev.Kind, ev.Subject)
		switch {
		case !ev.Applied:
			if ev.Note != "" {
				line += " " + ev.Note
			}
			b.WriteString(m.clip(dimmedWarningStyle.Render(line)))
		case ev.Note != "":
			b.WriteString(m.clip(line + " " + warningStyle.Render(ev.Note)))
		default:
			b.WriteString(m.clip(line))
		}
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderAnomalies() string {
	if len(m.anomalies) == 0 {
		return dimmedStyle.Render("no anomalies")
	}

	var b strings.Builder
	for _, a := range m.anomalies {
		line := fmt.Sprintf("%s #%-5d %-7s %-14s %s", a.Time.Format("15:04:05.000"), a.Seq, a.Kind, a.Subject, a.Msg)
		b.WriteString(m.clip(anomalyStyle(a.Kind).Render(line)))
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderHelp() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("KEYS"))
	b.WriteString("\n")
	keys := [][2]string{
		{"q, ctrl+c", "quit"},
		{"tab", "cycle views"},
		{"j/k", "scroll down / up"},
		{"g / G", "jump to top / bottom"},
		{"p", "pause or resume the view"},
		{"[ / ]", "step back / forward through retained versions"},
		{"r", "return to the live view"},
		{"i", "toggle internal task filtering"},
		{"e", "write the frame in view to a JSON file"},
		{"?", "this help"},
	}
	if m.stepper != nil {
		keys = append(keys, [2]string{"space, n", "deliver the next event"})
	}
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("  %-14s %s\n", k[0], k[1]))
	}

	b.WriteString("\n")
	b.WriteString(titleStyle.Render("GLYPHS"))
	b.WriteString("\n")
	glyphs := [][2]string{
		{"◌ ● ◍", "task spawned, runnable, waiting"},
		{"✓ ✗", "task finished, cancelled"},
		{"▾ ◧ ▪", "nursery open, closing, closed"},
		{"!", "cancellation pending"},
		{"name?", "placeholder, awaiting its real event"},
	}
	for _, g := range glyphs {
		b.WriteString(fmt.Sprintf("  %-14s %s\n", g[0], g[1]))
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func stateGlyph(v *tree.NodeView) (string, lipgloss.Style) {
	switch v.Kind {
	case domain.NodeTask:
		switch v.Task {
		case domain.TaskSpawned:
			return "◌", spawnedStyle
		case domain.TaskRunnable:
			return "●", runnableStyle
		case domain.TaskWaiting:
			return "◍", waitingStyle
		case domain.TaskFinished:
			return "✓", finishedStyle
		case domain.TaskCancelled:
			return "✗", cancelledStyle
		}
	case domain.NodeNursery:
		switch v.Nursery {
		case domain.NurseryOpen:
			return "▾", nurseryStyle
		case domain.NurseryClosing:
			return "◧", waitingStyle
		case domain.NurseryClosed:
			return "▪", finishedStyle
		}
	}
	return "·", dimmedStyle
}

func kindGlyph(kind string) string {
	switch domain.EventKind(kind) {
	case domain.EventTaskSpawned:
		return "◌"
	case domain.EventTaskScheduled:
		return "●"
	case domain.EventTaskSuspended:
		return "◍"
	case domain.EventTaskExited:
		return "✓"
	case domain.EventTaskCancelled:
		return "✗"
	case domain.EventNurseryOpened:
		return "▾"
	case domain.EventNurseryClosing:
		return "◧"
	case domain.EventNurseryClosed:
		return "▪"
	}
	return "·"
}

func anomalyStyle(kind tree.AnomalyKind) lipgloss.Style {
	switch kind {
	case tree.AnomalyRepair:
		return warningStyle
	case tree.AnomalyOrphan:
		return cancelledStyle
	}
	return dimmedWarningStyle
}

func (m Model) internal(name string) bool {
	for _, p := range m.prefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func (m Model) clip(s string) string {
	if m.treeVP.Width <= 0 {
		return s
	}
	return ansi.Truncate(s, m.treeVP.Width, "…")
}
