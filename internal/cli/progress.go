package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/raphaelgruber/structcap/internal/client"
	"github.com/raphaelgruber/structcap/internal/models"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// progressTracker derives batch progress from the job's output lines.
type progressTracker struct {
	total    int
	success  int
	failed   int
	last     string
	failures []string
}

const maxShownFailures = 5

// Observe updates the counters from one output line.
func (t *progressTracker) Observe(line string) {
	switch {
	case strings.HasPrefix(line, "Found ") && strings.HasSuffix(line, " folders to process"):
		var n int
		if _, err := fmt.Sscanf(line, "Found %d folders to process", &n); err == nil {
			t.total = n
		}
	case strings.HasPrefix(line, "✓ "):
		t.success++
	case strings.HasPrefix(line, "✗ "):
		t.failed++
		t.failures = append(t.failures, strings.TrimPrefix(line, "✗ "))
		if len(t.failures) > maxShownFailures {
			t.failures = t.failures[1:]
		}
	}
	if strings.TrimSpace(line) != "" {
		t.last = line
	}
}

// Done is the number of items that produced a progress line.
func (t *progressTracker) Done() int {
	return t.success + t.failed
}

// Fraction is the share of items done, 0 while the total is unknown.
func (t *progressTracker) Fraction() float64 {
	if t.total == 0 {
		return 0
	}
	return min(float64(t.Done())/float64(t.total), 1)
}

// eventMsg carries one event from the watch goroutine.
type eventMsg models.Event

// watchDoneMsg reports that the watch ended.
type watchDoneMsg struct {
	final models.Event
	err   error
}

// progressModel is the bubbletea model for a job's progress.
type progressModel struct {
	msgs     <-chan tea.Msg
	cancel   context.CancelFunc
	tracker  progressTracker
	progress progress.Model
	theme    Theme
	final    models.Event
	done     bool
	quitting bool
	err      error
}

// newProgressModel creates a model fed by msgs.
func newProgressModel(msgs <-chan tea.Msg, cancel context.CancelFunc) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		msgs:     msgs,
		cancel:   cancel,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init starts listening for events.
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		waitForMsg(m.msgs),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			m.cancel()
			return m, tea.Quit
		}

	case eventMsg:
		if msg.Type == models.EventOutput {
			m.tracker.Observe(msg.Data)
		}
		return m, waitForMsg(m.msgs)

	case watchDoneMsg:
		m.done = true
		m.final = msg.final
		m.err = msg.err
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

func (m progressModel) renderContent() string {
	if m.done || m.quitting {
		return m.finalView()
	}

	t := m.tracker
	status := m.theme.statusStyle().Render("[running]")
	progressBar := m.progress.ViewAs(t.Fraction())
	counts := fmt.Sprintf("%d/%d items", t.Done(), t.total)
	if t.total == 0 {
		counts = "discovering items"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\n", status, progressBar, counts)
	if t.failed > 0 {
		b.WriteString(m.theme.errorStyle().Render(fmt.Sprintf("%d failed", t.failed)) + "\n")
	}
	if t.last != "" {
		fmt.Fprintf(&b, "  %s\n", t.last)
	}
	b.WriteString(m.theme.hintStyle().Render("Press Ctrl+C to detach, the job keeps running") + "\n")
	return b.String()
}

// finalView renders the completion message.
func (m progressModel) finalView() string {
	if m.quitting {
		return m.theme.hintStyle().Render("\nJob continues in background.\nUse 'structcap watch' or 'structcap status' to check on it.\n")
	}
	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Lost the job stream: %s\n", m.err))
	}

	t := m.tracker
	var b strings.Builder
	switch err := finalError(m.final); {
	case m.final.Type == models.EventError:
		b.WriteString(m.theme.errorStyle().Render(fmt.Sprintf("✗ Job failed: %s", m.final.Data)) + "\n")
	case err != nil:
		b.WriteString(m.theme.errorStyle().Render(fmt.Sprintf("✗ Job exited with code %d", *m.final.Code)) + "\n")
	default:
		b.WriteString(m.theme.completedStyle().Render("✓ Completed") + "\n")
	}

	if t.total > 0 {
		fmt.Fprintf(&b, "\n  Items found:  %d\n", t.total)
		fmt.Fprintf(&b, "  Captioned:    %d\n", t.success)
		fmt.Fprintf(&b, "  Failed:       %d\n", t.failed)
	}
	if len(t.failures) > 0 {
		b.WriteString(m.theme.errorStyle().Render("\nLast failures:") + "\n")
		for _, f := range t.failures {
			fmt.Fprintf(&b, "  • %s\n", f)
		}
	}
	return b.String()
}

// waitForMsg blocks until the watch goroutine sends the next message.
func waitForMsg(msgs <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-msgs
	}
}

// RunJobProgress follows the current job with an interactive progress display.
// Returns nil on success or Ctrl+C (background); the job's failure otherwise.
func RunJobProgress(ctx context.Context, c *client.Client) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs := make(chan tea.Msg, 64)
	go func() {
		final, err := c.Watch(ctx, func(ev models.Event) error {
			select {
			case msgs <- eventMsg(ev):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		select {
		case msgs <- watchDoneMsg{final: final, err: err}:
		case <-ctx.Done():
		}
	}()

	p := tea.NewProgram(newProgressModel(msgs, cancel))
	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	m, ok := finalModel.(progressModel)
	if !ok || m.quitting {
		return nil
	}
	if errors.Is(m.err, client.ErrNoJob) {
		return errors.New("no job has been started")
	}
	if m.err != nil {
		return m.err
	}
	return finalError(m.final)
}
