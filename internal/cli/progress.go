package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/igsnharvest/internal/models"
	"github.com/raphaelgruber/igsnharvest/internal/service"
	"golang.org/x/term"
)

const pollInterval = 250 * time.Millisecond

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

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

func (t Theme) stateStyle(state models.JobState) lipgloss.Style {
	switch state {
	case models.JobSucceeded:
		return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
	case models.JobPartial:
		return lipgloss.NewStyle().Foreground(t.Warning).Bold(true)
	case models.JobFailed:
		return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
	default:
		return t.statusStyle()
	}
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// harvestFunc runs one harvest and calls onStart once its job is running.
type harvestFunc func(ctx context.Context, onStart func(*models.Job)) (*models.Job, error)

type harvestResult struct {
	job *models.Job
	err error
}

// harvestRun is a harvest executing in the background.
type harvestRun struct {
	jobID  atomic.Pointer[string]
	done   chan harvestResult
	cancel context.CancelFunc
}

func startHarvest(ctx context.Context, harvest harvestFunc) *harvestRun {
	ctx, cancel := context.WithCancel(ctx)
	run := &harvestRun{done: make(chan harvestResult, 1), cancel: cancel}
	go func() {
		job, err := harvest(ctx, func(j *models.Job) {
			id := j.ID
			run.jobID.Store(&id)
		})
		run.done <- harvestResult{job: job, err: err}
	}()
	return run
}

func (r *harvestRun) id() string {
	if p := r.jobID.Load(); p != nil {
		return *p
	}
	return ""
}

// tickMsg triggers polling the job status
type tickMsg time.Time

// progressModel is the bubbletea model for a running harvest.
type progressModel struct {
	jobs     *service.JobManager
	run      *harvestRun
	label    string
	job      *models.Job
	result   *harvestResult
	progress progress.Model
	theme    Theme
	quitting bool
}

func newProgressModel(jobs *service.JobManager, run *harvestRun, label string) progressModel {
	return progressModel{
		jobs:  jobs,
		run:   run,
		label: label,
		progress: progress.New(
			progress.WithDefaultBlend(),
			progress.WithWidth(40),
		),
		theme: defaultTheme,
	}
}

// Init returns the initial command (start polling).
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.progress.Init())
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

	case tickMsg:
		select {
		case res := <-m.run.done:
			m.result = &res
			if res.job != nil {
				m.job = res.job
			}
			return m, tea.Quit
		default:
		}
		if id := m.run.id(); id != "" {
			if snap := m.jobs.Snapshot(id); snap != nil {
				m.job = snap
			}
		}
		return m, tickCmd()

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
	if m.quitting {
		return m.theme.hintStyle().Render("\nCancelling, the job will be recorded as partial...\n")
	}
	if m.result != nil {
		return ""
	}
	if m.job == nil {
		return m.theme.hintStyle().Render(fmt.Sprintf("Starting %s...", m.label)) + "\n"
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.label))
	counts := fmt.Sprintf("%d records, %d pages", m.job.Processed, m.job.Pages)
	line := status + " " + counts
	if m.job.CompleteListSize > 0 {
		pct := float64(m.job.Processed) / float64(m.job.CompleteListSize)
		line = fmt.Sprintf("%s %s %d/%d records", status, m.progress.ViewAs(min(pct, 1)), m.job.Processed, m.job.CompleteListSize)
	}
	watermark := fmt.Sprintf("  watermark %s", formatTime(m.job.LastRecordAt))
	hint := m.theme.hintStyle().Render("Press Ctrl+C to stop; harvested records are kept")
	return fmt.Sprintf("%s\n%s\n%s\n", line, watermark, hint)
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// interactive reports whether progress can be drawn on the terminal.
func interactive(noProgress bool) bool {
	return !noProgress && term.IsTerminal(int(os.Stdout.Fd()))
}

// runHarvest runs harvest, drawing live progress when interactive is set.
// Quitting the display cancels the harvest and waits for its job to be
// finalized.
func runHarvest(ctx context.Context, jobs *service.JobManager, label string, interactive bool, harvest harvestFunc) (*models.Job, error) {
	run := startHarvest(ctx, harvest)
	defer run.cancel()
	if !interactive {
		res := <-run.done
		return res.job, res.err
	}

	final, err := tea.NewProgram(newProgressModel(jobs, run, label)).Run()
	if err != nil {
		run.cancel()
		res := <-run.done
		return res.job, fmt.Errorf("progress UI error: %w", err)
	}
	if m, ok := final.(progressModel); ok && m.result != nil {
		return m.result.job, m.result.err
	}
	run.cancel()
	res := <-run.done
	return res.job, res.err
}

// printJobSummary writes the outcome of a finished job.
func printJobSummary(w io.Writer, job *models.Job) {
	state := defaultTheme.stateStyle(job.State).Render(strings.ToUpper(string(job.State)))
	fmt.Fprintf(w, "%s job %s (%s)\n", state, job.ID, job.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "  Window:    %s .. %s\n", job.From.Format(time.RFC3339), formatTime(job.EffectiveUntil))
	fmt.Fprintf(w, "  Processed: %d\n", job.Processed)
	fmt.Fprintf(w, "  Inserted:  %d\n", job.Inserted)
	fmt.Fprintf(w, "  Updated:   %d\n", job.Updated)
	fmt.Fprintf(w, "  Unchanged: %d\n", job.Unchanged)
	if job.Deleted > 0 {
		fmt.Fprintf(w, "  Deleted:   %d\n", job.Deleted)
	}
	if job.Ignored > 0 {
		fmt.Fprintf(w, "  Ignored:   %d\n", job.Ignored)
	}
	if job.Skipped > 0 {
		fmt.Fprintf(w, "  Skipped:   %d\n", job.Skipped)
	}
	fmt.Fprintf(w, "  Watermark: %s\n", formatTime(job.LastRecordAt))
	if job.Error != "" {
		fmt.Fprintf(w, "  Error:     %s\n", job.Error)
	}
}
