package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	lipgloss "github.com/charmbracelet/lipgloss"

	"github.com/yourname/imapvault/internal/syncer"
)

type model struct {
	ctx      context.Context
	cancel   context.CancelFunc
	eng      *syncer.Engine
	counts   outcomeCounts
	totalAll int
	doneAll  int
	spinner  spinner.Model
	bar      progress.Model
	warnings int
	results  []syncer.Result
	finished bool
	started  time.Time
	// Smoothed ETA
	emaRate  float64 // msgs/sec (EMA)
	lastDone int
	lastAt   time.Time
}

type tickMsg time.Time
type resultsMsg []syncer.Result

func newModel(ctx context.Context, eng *syncer.Engine) *model {
	cctx, cancel := context.WithCancel(ctx)
	s := spinner.New()
	s.Spinner = spinner.Line
	bar := progress.New(progress.WithDefaultGradient())
	now := time.Now()
	return &model{
		ctx: cctx, cancel: cancel, eng: eng,
		counts: make(outcomeCounts), spinner: s, bar: bar,
		started: now, lastAt: now,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick(), m.startRun())
}

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *model) startRun() tea.Cmd {
	// Kick off the engine in the background
	return func() tea.Msg {
		return resultsMsg(m.eng.Run(m.ctx))
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.cancel()
			return m, tea.Quit
		}
	case resultsMsg:
		m.results = []syncer.Result(msg)
		m.finished = true
		return m, tea.Quit
	case tickMsg:
		m.updateEMARate()
		return m, tea.Batch(m.spinner.Tick, tick())
	}
	// Drain events
	for {
		select {
		case ev, ok := <-m.eng.Events():
			if !ok {
				return m, nil
			}
			switch ev.Type {
			case syncer.EventFolderStart:
				m.totalAll += ev.Total
			case syncer.EventMessage:
				m.counts[ev.Outcome]++
				if ev.Err != nil && ev.Outcome != syncer.OutcomeError {
					m.warnings++
				}
				// A move/delete reports a message already counted once.
				if ev.Outcome != syncer.OutcomeDeleted {
					m.doneAll++
				}
			}
		default:
			return m, nil
		}
	}
}

func (m *model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")).Render("Imapvault")
	s := title + "\n\nPress q to quit\n\n"
	pct := 0.0
	if m.totalAll > 0 {
		pct = float64(m.doneAll) / float64(m.totalAll)
	}
	s += fmt.Sprintf("%s Overall %d/%d   %s\n", m.spinner.View(), m.doneAll, m.totalAll, m.formatETA())
	s += m.bar.ViewAs(pct) + "\n\n"
	s += fmt.Sprintf("new %d   existing %d   deleted %d   errors %d   warnings %d\n",
		m.counts[syncer.OutcomeNew], m.counts[syncer.OutcomeExists],
		m.counts[syncer.OutcomeDeleted], m.counts[syncer.OutcomeError], m.warnings)
	if m.finished {
		failed := 0
		for _, r := range m.results {
			if r.Err != nil {
				failed++
			}
		}
		if failed > 0 {
			s += lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Render("Failures:\n")
			for _, r := range m.results {
				if r.Err != nil {
					s += " - " + r.Mailbox + ": " + r.Err.Error() + "\n"
				}
			}
		}
	}
	return s
}

func (m *model) formatETA() string {
	if m.totalAll == 0 {
		return "ETA --"
	}
	remaining := m.totalAll - m.doneAll
	if remaining <= 0 {
		return "ETA 0s"
	}
	// Prefer smoothed rate if available; fallback to average rate
	rate := m.emaRate
	if rate <= 0.01 {
		elapsed := time.Since(m.started)
		if elapsed <= 0 {
			return "ETA --"
		}
		rate = float64(m.doneAll) / elapsed.Seconds()
	}
	if rate <= 0.01 { // too low/unstable
		return "ETA --"
	}
	secs := float64(remaining) / rate
	if secs < 1 {
		return "ETA <1s"
	}
	d := time.Duration(secs) * time.Second
	if d > 99*time.Hour {
		return "ETA >99h"
	}
	if d >= time.Hour {
		h := int(d / time.Hour)
		rem := d - time.Duration(h)*time.Hour
		return fmt.Sprintf("ETA %dh%dm", h, int(rem/time.Minute))
	}
	if d >= time.Minute {
		return fmt.Sprintf("ETA %dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("ETA %ds", int(d.Seconds()))
}

// updateEMARate updates the EMA of processing rate based on deltas since the
// last tick.
func (m *model) updateEMARate() {
	now := time.Now()
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	inst := float64(m.doneAll-m.lastDone) / dt
	// EMA with half-life ~3s -> alpha depends on dt
	halfLife := 3.0
	alpha := 1 - math.Exp(-math.Ln2*dt/halfLife)
	if m.emaRate == 0 {
		m.emaRate = inst
	} else {
		m.emaRate = alpha*inst + (1-alpha)*m.emaRate
	}
	m.lastDone = m.doneAll
	m.lastAt = now
}

// runTUI runs the Bubble Tea UI around an engine run and returns the results
// once it completes.
func runTUI(ctx context.Context, eng *syncer.Engine) ([]syncer.Result, outcomeCounts) {
	m := newModel(ctx, eng)
	if _, err := tea.NewProgram(m).Run(); err != nil {
		// No usable terminal; fall back to plain execution.
		fmt.Println("TUI failed:", err)
		return runPlain(ctx, eng)
	}
	// The background run has finished by the time Quit fires, but the event
	// channel may still hold a tail of undrained events.
	for ev := range eng.Events() {
		if ev.Type == syncer.EventMessage {
			m.counts[ev.Outcome]++
		}
	}
	return m.results, m.counts
}
