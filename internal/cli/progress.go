package cli

import (
	"context"
	"fmt"
	"strings"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/enrich/internal/engine"
	"github.com/raphaelgruber/enrich/internal/models"
)

// Theme holds the color scheme for progress and summary output.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Warning: lipgloss.Color("#FFAF00"), // amber
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) warningStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Warning).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// batchMsg carries one applied batch from the mutator.
type batchMsg engine.BatchEvent

// runDoneMsg signals that the orchestrator returned.
type runDoneMsg struct{}

// targetLine is the progress state of one target.
type targetLine struct {
	key      string
	expected int
	applied  int
	batches  int
	skipped  bool
}

// progressModel is the bubbletea model for a running wave.
type progressModel struct {
	wave     string
	lines    []*targetLine
	index    map[string]*targetLine
	current  string
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
}

// newProgressModel creates a progress model with one line per target.
func newProgressModel(plan *models.Plan) progressModel {
	m := progressModel{
		wave:     plan.Wave,
		index:    make(map[string]*targetLine),
		progress: progress.New(progress.WithDefaultBlend(), progress.WithWidth(40)),
		theme:    defaultTheme,
	}
	for _, key := range plan.Keys() {
		t := plan.Targets[key]
		line := &targetLine{
			key:      key,
			expected: t.ExpectedCount(),
			skipped:  t.Status != models.StatusNeedsEnhancement,
		}
		m.lines = append(m.lines, line)
		m.index[key] = line
	}
	return m
}

// Init returns the initial command.
func (m progressModel) Init() tea.Cmd {
	return m.progress.Init()
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case batchMsg:
		if line, ok := m.index[msg.Target]; ok {
			line.applied = msg.Total
			line.batches = msg.Batch
			m.current = msg.Target
		}
		return m, nil

	case runDoneMsg:
		m.done = true
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m progressModel) renderContent() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.wave)))

	for _, line := range m.lines {
		if line.skipped {
			fmt.Fprintf(&b, "  %-24s %s\n", line.key, m.theme.hintStyle().Render("already enhanced"))
			continue
		}
		var pct float64
		if line.expected > 0 {
			pct = min(float64(line.applied)/float64(line.expected), 1)
		}
		marker := " "
		if line.key == m.current && !m.done {
			marker = "›"
		}
		fmt.Fprintf(&b, "%s %-24s %s %d/%d (%d batches)\n",
			marker, line.key, m.progress.ViewAs(pct), line.applied, line.expected, line.batches)
	}

	switch {
	case m.quitting:
		b.WriteString(m.theme.hintStyle().Render("Stopping run. Re-run the same targets file to resume.") + "\n")
	case !m.done:
		b.WriteString(m.theme.hintStyle().Render("Press q or Ctrl+C to stop") + "\n")
	}
	return b.String()
}

// runWithProgress runs fn while p renders batch progress. Quitting the UI
// cancels the run; already applied batches stay applied.
func runWithProgress(ctx context.Context, p *tea.Program, fn func(context.Context) (*engine.Result, error)) (*engine.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		res    *engine.Result
		runErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, runErr = fn(ctx)
		p.Send(runDoneMsg{})
	}()

	if _, err := p.Run(); err != nil {
		logger.Warn("progress UI error", "error", err)
	}
	cancel()
	<-done
	return res, runErr
}
