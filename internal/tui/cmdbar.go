package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	cmdBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)
)

const cmdHint = "Press : to enter command (start [days] [resume_from], pause, resume, stop [sec], kill, reap, gc)"

// CmdBarModel manages the command input bar.
type CmdBarModel struct {
	input   textinput.Model
	focused bool
	message string
}

// NewCmdBarModel creates a new command bar.
func NewCmdBarModel() *CmdBarModel {
	ti := textinput.New()
	ti.Placeholder = "start 7"
	ti.CharLimit = 128
	return &CmdBarModel{
		input: ti,
	}
}

// Focused reports whether the bar is taking keystrokes.
func (m *CmdBarModel) Focused() bool {
	return m.focused
}

// Focus focuses the command bar.
func (m *CmdBarModel) Focus() tea.Cmd {
	m.focused = true
	m.message = ""
	return m.input.Focus()
}

// Blur unfocuses the command bar.
func (m *CmdBarModel) Blur() {
	m.focused = false
	m.input.Blur()
	m.input.SetValue("")
}

// Submit returns the current input and blurs.
func (m *CmdBarModel) Submit() string {
	val := strings.TrimSpace(m.input.Value())
	m.Blur()
	return val
}

// SetMessage replaces the hint until the next focus.
func (m *CmdBarModel) SetMessage(msg string) {
	m.message = msg
}

// Update forwards key input to the text field.
func (m *CmdBarModel) Update(msg tea.Msg) tea.Cmd {
	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "esc" {
		m.Blur()
		return nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return cmd
}

// View renders the command bar.
func (m *CmdBarModel) View(width int) string {
	style := cmdBarStyle.Width(width)
	if m.focused {
		return style.Render(promptStyle.Render(": ") + m.input.View())
	}
	if m.message != "" {
		return style.Render(m.message)
	}
	return style.Render(cmdHint)
}

// Execute runs a command against the daemon.
func (m *CmdBarModel) Execute(client *Client, input string) tea.Cmd {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}
	name, args := parts[0], parts[1:]

	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultClientTimeout+30*time.Second)
		defer cancel()
		return cmdResultMsg{runCommand(ctx, client, name, args)}
	}
}

func runCommand(ctx context.Context, client *Client, name string, args []string) string {
	switch name {
	case "start":
		days := 7
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				return "Usage: start [days_back] [resume_from]"
			}
			days = n
		}
		resumeFrom := ""
		if len(args) > 1 {
			resumeFrom = args[1]
		}
		if err := client.StartProcess(ctx, days, resumeFrom); err != nil {
			return "Error: " + err.Error()
		}
		return fmt.Sprintf("Started crawl (%d days back)", days)

	case "pause":
		if err := client.PauseProcess(ctx); err != nil {
			return "Error: " + err.Error()
		}
		return "Paused"

	case "resume":
		if err := client.ResumeProcess(ctx); err != nil {
			return "Error: " + err.Error()
		}
		return "Resumed"

	case "stop":
		timeout := 10 * time.Second
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return "Usage: stop [timeout_sec]"
			}
			timeout = time.Duration(n) * time.Second
		}
		forced, err := client.StopProcess(ctx, timeout)
		if err != nil {
			return "Error: " + err.Error()
		}
		if forced {
			return "Stopped (killed after timeout)"
		}
		return "Stopped"

	case "kill":
		killed, err := client.EmergencyStop(ctx)
		if err != nil {
			return "Error: " + err.Error()
		}
		return fmt.Sprintf("Emergency stop: %d processes killed", len(killed))

	case "reap":
		res, err := client.CleanupSessions(ctx)
		if err != nil {
			return "Error: " + err.Error()
		}
		return fmt.Sprintf("Reaped %d sessions, %d locks, %d articles reset",
			res.AbandonedSessions, res.ExpiredLocks, res.ResetArticles)

	case "gc":
		res, err := client.CleanupMemory(ctx)
		if err != nil {
			return "Error: " + err.Error()
		}
		freed := res.MemoryBeforeMB - res.MemoryAfterMB
		if freed < 0 {
			freed = 0
		}
		return fmt.Sprintf("Memory cleanup over %d processes, freed %s",
			res.ProcessesFound, humanize.IBytes(uint64(freed*1024*1024)))

	default:
		return fmt.Sprintf("Unknown command: %s", name)
	}
}
