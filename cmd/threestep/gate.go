package main

// gate.go — interactive inspection between stages, and terminal styling.

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"threestep/internal/interp"
	"threestep/internal/pipeline"
	"threestep/internal/report"
	"threestep/internal/workspace"
)

var (
	headStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	diagStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA")).PaddingLeft(2)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

// promptGate applies the automatic checks, then shows the checkpoint and
// asks whether to continue.
type promptGate struct {
	auto pipeline.AutoGate
	in   io.Reader
	out  io.Writer
}

func (g *promptGate) Inspect(ctx context.Context, cp pipeline.Checkpoint) error {
	if err := g.auto.Inspect(ctx, cp); err != nil {
		return err
	}
	fmt.Fprintln(g.out, summarize(cp))
	if cp.Next == "" {
		return nil
	}
	ok, err := confirm(ctx, fmt.Sprintf("Continue to %s? (y/n)", cp.Next), g.in, g.out)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: declined after %s", pipeline.ErrHalted, cp.Stage)
	}
	return nil
}

// summarize renders a checkpoint as a bordered box.
func summarize(cp pipeline.Checkpoint) string {
	var lines []string
	lines = append(lines, headStyle.Render(cp.Stage+" complete"))
	if r := cp.Result; r != nil {
		if r.ClassCounts != nil {
			for _, c := range r.ClassCounts.Model {
				lines = append(lines, fmt.Sprintf("class %d  %8.2f  %.5f", c.Class, c.Count, c.Proportion))
			}
		}
		if s := r.Summaries; s != nil {
			lines = append(lines, dimStyle.Render(fmt.Sprintf("LL %.3f  BIC %.3f  entropy %.3f", s.LogLikelihood, s.BIC, s.Entropy)))
		}
		if n := len(r.Warnings); n > 0 {
			lines = append(lines, warnStyle.Render(fmt.Sprintf("%d engine warning(s), see report", n)))
		}
	}
	if cp.Logits != nil {
		lines = append(lines, "", "classification logits (reference class dropped):")
		lines = append(lines, strings.TrimRight(formatLogits(*cp.Logits), "\n"))
	}
	if cp.SavedData != nil {
		lines = append(lines, dimStyle.Render(fmt.Sprintf("saved data: %d cases", cp.SavedData.Len())))
	}
	if cp.MaxDrift != nil {
		lines = append(lines, fmt.Sprintf("max proportion drift vs stage1: %.4f", *cp.MaxDrift))
	}
	if cp.ReportPath != "" {
		lines = append(lines, dimStyle.Render("report: "+cp.ReportPath))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

// formatLogits prints m with one header row of category numbers.
func formatLogits(m interp.LogitMatrix) string {
	var b strings.Builder
	b.WriteString("      ")
	for _, c := range m.Categories() {
		fmt.Fprintf(&b, "%9d", c)
	}
	b.WriteString("\n")
	for class := 1; class <= m.Rows(); class++ {
		fmt.Fprintf(&b, "%6d", class)
		for j := 1; j <= m.Cols(); j++ {
			fmt.Fprintf(&b, "%9s", interp.FormatLogit(m.At(class, j)))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// formatStatus prints the manifest with each stage's report metadata. A
// nil meta means the stage never produced a report.
func formatStatus(m workspace.Manifest, metas []*report.Meta) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", headStyle.Render("run"), m.RunID)
	if m.Title != "" {
		fmt.Fprintf(&b, "%s\n", dimStyle.Render(m.Title))
	}
	for i, s := range m.Stages {
		line := fmt.Sprintf("  %-8s %-9s", s.Name, s.Status)
		if meta := metas[i]; meta != nil {
			if meta.Warnings > 0 {
				line += warnStyle.Render(fmt.Sprintf(" %d warning(s)", meta.Warnings))
			}
			if meta.MaxDrift != nil {
				line += fmt.Sprintf(" drift %.4f", *meta.MaxDrift)
			}
		}
		if s.Error != "" {
			line += " " + errorStyle.Render(s.Error)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// TUI prompt helpers
// ---------------------------------------------------------------------------

// confirmModel is a bubbletea model asking a single yes/no question.
type confirmModel struct {
	question string
	input    textinput.Model
	answer   bool
	done     bool
}

func newConfirmModel(question string) confirmModel {
	ti := textinput.New()
	ti.Placeholder = "y/n"
	ti.CharLimit = 3
	ti.Focus()
	return confirmModel{question: question, input: ti}
}

func (m confirmModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.done = true
			return m, tea.Quit
		case tea.KeyEnter:
			switch strings.ToLower(strings.TrimSpace(m.input.Value())) {
			case "y", "yes":
				m.answer, m.done = true, true
				return m, tea.Quit
			case "n", "no":
				m.done = true
				return m, tea.Quit
			}
			m.input.SetValue("")
			return m, nil
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m confirmModel) View() string {
	if m.done {
		return ""
	}
	return fmt.Sprintf("%s %s\n", m.question, m.input.View())
}

// confirm runs the prompt and reports whether the answer was yes.
func confirm(ctx context.Context, question string, in io.Reader, out io.Writer) (bool, error) {
	p := tea.NewProgram(newConfirmModel(question), tea.WithContext(ctx), tea.WithInput(in), tea.WithOutput(out))
	result, err := p.Run()
	if err != nil {
		return false, err
	}
	final, ok := result.(confirmModel)
	if !ok {
		return false, fmt.Errorf("prompt: unexpected model %T", result)
	}
	return final.answer, nil
}
