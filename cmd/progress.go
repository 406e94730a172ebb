package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mailvault/mailvault/cmd/stats"
)

type Phase int

const (
	PhaseStarting Phase = iota
	PhaseReplaying
	PhaseBackingUp
	PhaseVerifying
	PhaseRotating
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "Starting"
	case PhaseReplaying:
		return "Replaying journal"
	case PhaseBackingUp:
		return "Backing up"
	case PhaseVerifying:
		return "Verifying"
	case PhaseRotating:
		return "Rotating"
	case PhaseComplete:
		return "Complete"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type phaseChangeMsg struct {
	phase   Phase
	message string
}

type logMsg string

type totalsMsg struct {
	total int
}

type pipelineDoneMsg struct {
	err error
}

type countersTickMsg time.Time

// ProgressReporter feeds pipeline events into the interactive display.
// A nil reporter drops everything, so pipeline code reports unconditionally
// and the debug path simply passes nil.
type ProgressReporter struct {
	events chan tea.Msg
}

func NewProgressReporter() *ProgressReporter {
	return &ProgressReporter{events: make(chan tea.Msg, 64)}
}

// Phase announces a pipeline stage transition.
func (r *ProgressReporter) Phase(phase Phase, message string) {
	if r == nil {
		return
	}
	r.events <- phaseChangeMsg{phase: phase, message: message}
}

// Log appends a line to the display's message log.
func (r *ProgressReporter) Log(format string, args ...any) {
	if r == nil {
		return
	}
	r.events <- logMsg(fmt.Sprintf(format, args...))
}

// Totals sets the item count for the current stage's progress bar.
func (r *ProgressReporter) Totals(total int) {
	if r == nil {
		return
	}
	r.events <- totalsMsg{total: total}
}

// Done ends the display. The pipeline's error, if any, is surfaced to the
// caller of RunProgressUI.
func (r *ProgressReporter) Done(err error) {
	if r == nil {
		return
	}
	r.events <- pipelineDoneMsg{err: err}
}

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Margin(0, 2)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Margin(0, 2)

	sectionHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFAA00")).
				Bold(true).
				Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Margin(0, 2)
)

type progressModel struct {
	phase      Phase
	stage      string
	spin       spinner.Model
	bar        progress.Model
	messages   []string
	total      int
	baseCount  int64
	completed  int
	counters   *stats.Counters
	reporter   *ProgressReporter
	taskInfo   *TaskInfo
	cancel     context.CancelFunc
	cancelling bool
	startTime  time.Time
	width      int
	done       bool
	err        error
}

func newProgressModel(reporter *ProgressReporter, counters *stats.Counters, taskInfo *TaskInfo, cancel context.CancelFunc) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	bar := progress.New(
		progress.WithScaledGradient("#FF7CCB", "#FDFF8C"),
		progress.WithWidth(60),
	)

	return progressModel{
		phase:     PhaseStarting,
		stage:     "Initializing...",
		spin:      s,
		bar:       bar,
		messages:  make([]string, 0),
		counters:  counters,
		reporter:  reporter,
		taskInfo:  taskInfo,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// RunProgressUI drives the interactive display until the pipeline reports
// completion, returning the pipeline's error.
func RunProgressUI(reporter *ProgressReporter, counters *stats.Counters, taskInfo *TaskInfo, cancel context.CancelFunc) error {
	m := newProgressModel(reporter, counters, taskInfo, cancel)
	final, err := tea.NewProgram(m).Run()
	if err != nil {
		return err
	}
	if fm, ok := final.(progressModel); ok {
		return fm.err
	}
	return nil
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.spin.Tick,
		tea.EnterAltScreen,
		m.waitForEvent(),
		tickCounters(),
	)
}

func (m progressModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		return <-m.reporter.events
	}
}

func tickCounters() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return countersTickMsg(t)
	})
}

// completionCount sums the counters that mean an item finished, in any state.
func (m progressModel) completionCount() int64 {
	if m.counters == nil {
		return 0
	}
	return m.counters.Get(stats.BackedUp) +
		m.counters.Get(stats.Verified) +
		m.counters.Get(stats.Repaired) +
		m.counters.Get(stats.Archived) +
		m.counters.Get(stats.Skipped) +
		m.counters.Get(stats.Failed)
}

func (m *progressModel) updateTaskInfo() {
	if m.taskInfo == nil {
		return
	}
	m.taskInfo.CurrentTask = m.phase.String()
	m.taskInfo.CurrentItem = m.stage
	m.taskInfo.TotalItems = m.total
	m.taskInfo.CompletedItems = m.completed
	if m.total > 0 {
		m.taskInfo.Progress = float64(m.completed) / float64(m.total)
	}
	_ = WriteTaskInfo(m.taskInfo)
}

func (m *progressModel) appendMessage(msg string) {
	m.messages = append(m.messages, msg)
	if len(m.messages) > 10 {
		m.messages = m.messages[len(m.messages)-10:]
	}
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = msg.Width - 10
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	case progress.FrameMsg:
		barModel, cmd := m.bar.Update(msg)
		if bm, ok := barModel.(progress.Model); ok {
			m.bar = bm
		}
		return m, cmd
	case phaseChangeMsg:
		return m.handlePhaseChangeMsg(msg)
	case logMsg:
		m.appendMessage(string(msg))
		return m, m.waitForEvent()
	case totalsMsg:
		m.total = msg.total
		m.completed = 0
		m.baseCount = m.completionCount()
		return m, m.waitForEvent()
	case pipelineDoneMsg:
		m.phase = PhaseComplete
		m.done = true
		m.err = msg.err
		return m, tea.Sequence(tea.ExitAltScreen, tea.Quit)
	case countersTickMsg:
		return m.handleCountersTickMsg()
	}
	return m, nil
}

func (m progressModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" || msg.String() == "q" {
		// Cancel and keep displaying until the pipeline winds down, so the
		// recovery journal is compacted and the final state is reported.
		if m.cancel != nil && !m.cancelling {
			m.cancelling = true
			m.stage = "Cancelling, waiting for in-flight work..."
			m.cancel()
		}
		return m, nil
	}
	return m, nil
}

func (m progressModel) handlePhaseChangeMsg(msg phaseChangeMsg) (tea.Model, tea.Cmd) {
	m.phase = msg.phase
	m.stage = msg.message
	m.appendMessage(msg.message)
	m.updateTaskInfo()
	return m, m.waitForEvent()
}

func (m progressModel) handleCountersTickMsg() (tea.Model, tea.Cmd) {
	if m.total > 0 {
		completed := int(m.completionCount() - m.baseCount)
		if completed > m.total {
			completed = m.total
		}
		if completed != m.completed {
			m.completed = completed
			m.updateTaskInfo()
		}
	}
	return m, tickCounters()
}

// renderBanner renders the startup banner box.
func (m progressModel) renderBanner() []string {
	var sections []string

	titleStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#FF7CCB")).Bold(true)
	taglineStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#FDFF8C"))
	authorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))

	const boxWidth = 66
	const indent = "   "

	makeLine := func(content string) string {
		visibleWidth := lipgloss.Width(content)
		targetWidth := boxWidth - 4
		padding := targetWidth - visibleWidth
		if padding < 0 {
			padding = 0
		}
		return fmt.Sprintf("%s║  %s%s║", indent, content, strings.Repeat(" ", padding))
	}

	topBorder := indent + "╔" + strings.Repeat("═", boxWidth-2) + "╗"
	bottomBorder := indent + "╚" + strings.Repeat("═", boxWidth-2) + "╝"

	sections = append(sections, "")
	sections = append(sections, topBorder)
	sections = append(sections, makeLine(""))
	sections = append(sections, makeLine("                      "+titleStyle.Render("MailVault")))
	sections = append(sections, makeLine("          "+taglineStyle.Render("Incremental maildir backup and archival")))
	sections = append(sections, makeLine(""))
	sections = append(sections, makeLine("         "+authorStyle.Render("https://github.com/mailvault/mailvault")))
	sections = append(sections, makeLine(""))
	sections = append(sections, bottomBorder)
	sections = append(sections, "")

	return sections
}

// renderMessages renders the message log section.
func (m progressModel) renderMessages() []string {
	var sections []string
	sections = append(sections, helpStyle.Render("   Log:"))
	if len(m.messages) == 0 {
		sections = append(sections, "     (waiting for operations...)")
	} else {
		for _, msg := range m.messages {
			sections = append(sections, "     "+msg)
		}
	}
	return sections
}

// renderSeparator renders a horizontal separator.
func (m progressModel) renderSeparator() []string {
	separatorWidth := 80
	if m.width > 0 && m.width < 200 {
		separatorWidth = m.width - 6
	}
	separator := "   " + strings.Repeat("─", separatorWidth)
	return []string{"", lipgloss.NewStyle().Foreground(lipgloss.Color("#444")).Render(separator), ""}
}

// renderStage renders the current stage with spinner and progress bar.
func (m progressModel) renderStage() []string {
	var sections []string

	sections = append(sections, sectionHeaderStyle.Render("   "+m.phase.String()))
	sections = append(sections, "")

	if m.stage != "" {
		stageInfo := fmt.Sprintf("   %s %s", m.spin.View(), m.stage)
		sections = append(sections, stageStyle.Render(stageInfo))
	}

	if m.total > 0 {
		itemInfo := fmt.Sprintf("   Items: %d/%d", m.completed, m.total)
		sections = append(sections, progressInfoStyle.Render(itemInfo))
		sections = append(sections, "   "+m.bar.ViewAs(float64(m.completed)/float64(m.total)))
	}

	elapsed := time.Since(m.startTime).Round(time.Second)
	sections = append(sections, "")
	sections = append(sections, progressInfoStyle.Render(fmt.Sprintf("   Elapsed: %s", elapsed)))

	if m.counters != nil {
		sections = append(sections, progressInfoStyle.Render("   Activity: "+m.counters.Format()))
	}

	return sections
}

func (m progressModel) View() string {
	if m.done && m.phase == PhaseComplete {
		return ""
	}

	var sections []string

	sections = append(sections, m.renderBanner()...)
	sections = append(sections, m.renderMessages()...)
	sections = append(sections, m.renderSeparator()...)
	sections = append(sections, m.renderStage()...)

	sections = append(sections, "")
	sections = append(sections, helpStyle.Render("   Press Ctrl+C or 'q' to cancel"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}
