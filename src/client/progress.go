package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/schollz/sharepeer/src/session"
)

// tickMsg is sent periodically to update the display
type tickMsg time.Time

type codeMsg struct {
	code    string
	command string
	qr      string
}

type statusMsg string

type peerMsg string

type progressMsg session.Progress

type fileDoneMsg struct {
	name string
	size int64
}

type warnMsg struct{ err error }

// tickCmd returns a command that sends a tick message every 100ms
func tickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats duration into human-readable string
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

// TransferModel is the Bubble Tea view of one side of a transfer.
type TransferModel struct {
	role        session.Role
	code        string
	command     string
	qr          string
	status      string
	peer        string
	current     session.Progress
	active      bool
	startTime   time.Time
	finished    []string
	lastDone    string
	warning     string
	progress    progress.Model
	width       int
	interrupted bool
}

func NewTransferModel(role session.Role) *TransferModel {
	prog := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(50),
		progress.WithoutPercentage(),
	)
	status := "Connecting..."
	if role == session.RoleSender {
		status = "Preparing..."
	}
	return &TransferModel{
		role:     role,
		status:   status,
		progress: prog,
		width:    80,
	}
}

func (m *TransferModel) Init() tea.Cmd {
	return tea.Batch(
		tea.EnterAltScreen,
		tickCmd(),
	)
}

func (m *TransferModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.interrupted = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case codeMsg:
		m.code, m.command, m.qr = msg.code, msg.command, msg.qr

	case statusMsg:
		m.status = string(msg)

	case peerMsg:
		m.peer = string(msg)

	case progressMsg:
		p := session.Progress(msg)
		if !m.active || p.Index != m.current.Index || p.Name != m.current.Name {
			m.startTime = time.Now()
		}
		m.active = true
		m.current = p
		// Senders learn a file is done from its last progress update.
		if m.role == session.RoleSender && p.Percent == 100 {
			m.fileDone(p.Name, p.Size, fmt.Sprint(p.Index, p.Name))
		}

	case fileDoneMsg:
		m.fileDone(msg.name, msg.size, fmt.Sprint(len(m.finished), msg.name))

	case warnMsg:
		m.warning = msg.err.Error()

	case tickMsg:
		if m.interrupted {
			return m, nil
		}
		return m, tickCmd()

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		return m, cmd
	}

	return m, nil
}

func (m *TransferModel) fileDone(name string, size int64, key string) {
	if key == m.lastDone {
		return
	}
	m.lastDone = key
	m.finished = append(m.finished, fmt.Sprintf("%s (%s)", name, formatBytes(size)))
}

func (m *TransferModel) View() string {
	if m.interrupted {
		return ""
	}

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("255")).
		Bold(true)

	codeStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("99")).
		Background(lipgloss.Color("236")).
		Padding(0, 1)

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("205")).
		Padding(1, 2)
	if m.width > 4 {
		boxStyle = boxStyle.Width(m.width - 4)
	}

	var content strings.Builder

	title := "RECEIVING"
	if m.role == session.RoleSender {
		title = "SENDING"
	}
	content.WriteString(lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Render(title))
	content.WriteString("\n\n")

	content.WriteString(labelStyle.Render("Status: ") + valueStyle.Render(m.status))
	content.WriteString("\n\n")

	if m.code != "" {
		content.WriteString(labelStyle.Render("Code: ") + valueStyle.Render(m.code))
		content.WriteString("\n\n")
	}
	if m.command != "" {
		content.WriteString(labelStyle.Render("Receive via CLI:"))
		content.WriteString("\n")
		content.WriteString(codeStyle.Render(m.command))
		content.WriteString("\n\n")
	}
	if m.peer != "" {
		content.WriteString(labelStyle.Render("Peer: ") + valueStyle.Render(m.peer))
		content.WriteString("\n\n")
	}

	if m.active {
		p := m.current
		content.WriteString(labelStyle.Render(fmt.Sprintf("File %d of %d: ", p.Index+1, p.Total)) + valueStyle.Render(p.Name))
		content.WriteString("\n")
		content.WriteString(m.progress.ViewAs(float64(p.Percent) / 100))
		content.WriteString("\n")
		content.WriteString(labelStyle.Render(m.stats()))
		content.WriteString("\n")
	}

	if len(m.finished) > 0 {
		content.WriteString("\n")
		content.WriteString(labelStyle.Render("Done:"))
		content.WriteString("\n")
		for _, f := range m.finished {
			content.WriteString("  " + f + "\n")
		}
	}

	if m.warning != "" {
		content.WriteString("\n")
		content.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Render("Warning: " + m.warning))
		content.WriteString("\n")
	}

	combined := content.String()
	if m.qr != "" {
		combined = lipgloss.JoinHorizontal(
			lipgloss.Top,
			combined,
			strings.Repeat(" ", 3),
			m.qr,
		)
	}

	helpStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Italic(true)
	help := helpStyle.Render("\nPress q or Ctrl+C to quit")

	return boxStyle.Render(combined) + help
}

// stats is the bytes, speed and ETA line for the current file.
func (m *TransferModel) stats() string {
	p := m.current
	stats := fmt.Sprintf("%s / %s", formatBytes(p.Bytes), formatBytes(p.Size))

	elapsed := time.Since(m.startTime)
	if elapsed > 0 && p.Bytes > 0 {
		bytesPerSec := float64(p.Bytes) / elapsed.Seconds()
		stats += fmt.Sprintf(" • %s/s", formatBytes(int64(bytesPerSec)))
		if remaining := float64(p.Size-p.Bytes) / bytesPerSec; remaining > 0 {
			stats += fmt.Sprintf(" • ETA: %s", formatDuration(time.Duration(remaining*float64(time.Second))))
		}
	}
	return stats + fmt.Sprintf(" • %d%%", p.Percent)
}
