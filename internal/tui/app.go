// Package tui provides the live terminal dashboard for the ainews daemon.
package tui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// DefaultRefresh is how often the dashboard polls the daemon.
const DefaultRefresh = 2 * time.Second

const operationsLimit = 20

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cyanColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

// App is the dashboard model.
type App struct {
	client  *Client
	refresh time.Duration

	spinner spinner.Model
	ops     table.Model
	cmdBar  *CmdBarModel

	width   int
	height  int
	loading bool
	online  bool
	dash    *Dashboard
	message string
}

// New creates a dashboard polling apiAddr every refresh. A non-positive
// refresh uses DefaultRefresh.
func New(apiAddr string, refresh time.Duration) *App {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)

	ops := table.New(
		table.WithColumns(operationColumns(80)),
		table.WithHeight(8),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(mutedColor).
		BorderBottom(true).
		Bold(true).
		Foreground(cyanColor)
	styles.Selected = styles.Selected.Foreground(fgColor).Background(primaryColor)
	ops.SetStyles(styles)

	return &App{
		client:  NewClient(apiAddr),
		refresh: refresh,
		spinner: sp,
		ops:     ops,
		cmdBar:  NewCmdBarModel(),
		loading: true,
	}
}

// Run starts the dashboard.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.fetch())
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if a.cmdBar.Focused() {
			switch msg.String() {
			case "ctrl+c":
				return a, tea.Quit
			case "enter":
				input := a.cmdBar.Submit()
				if input == "" {
					return a, nil
				}
				a.cmdBar.SetMessage("Running: " + input)
				return a, a.cmdBar.Execute(a.client, input)
			}
			return a, a.cmdBar.Update(msg)
		}

		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case ":":
			return a, a.cmdBar.Focus()
		case "r":
			a.loading = true
			return a, a.fetch()
		case "up", "k", "down", "j":
			var cmd tea.Cmd
			a.ops, cmd = a.ops.Update(msg)
			return a, cmd
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.ops.SetColumns(operationColumns(msg.Width))
		a.ops.SetWidth(msg.Width - 2)
		a.ops.SetHeight(max(3, msg.Height-18))

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case dashboardMsg:
		a.loading = false
		a.online = msg.dash.Health != nil && msg.dash.Health.OK
		a.dash = msg.dash
		a.message = ""
		a.ops.SetRows(operationRows(msg.dash.Operations, a.width))
		// Schedule the next tick only after the current fetch is complete.
		return a, a.tick()

	case errMsg:
		a.loading = false
		a.online = false
		a.message = "Error: " + msg.err.Error()
		return a, a.tick()

	case tickMsg:
		return a, a.fetch()

	case cmdResultMsg:
		a.cmdBar.SetMessage(msg.message)
		a.loading = true
		return a, a.fetch()
	}

	return a, nil
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemon := onlineStyle.Render("● DAEMON")
	if !a.online {
		daemon = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("AINEWS Control Plane") + "  " + daemon
	if a.dash != nil && a.dash.Health != nil && a.dash.Health.Version != "" {
		header += "  " + labelStyle.Render(a.dash.Health.Version)
	}
	if a.loading {
		header += "  " + a.spinner.View()
	}
	b.WriteString(header + "\n")

	if a.dash == nil {
		b.WriteString("\n  Connecting to daemon...\n")
	} else {
		panelWidth := max(30, a.width/2-2)
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			panelStyle.Width(panelWidth).Render(renderProcess(a.dash.Process, panelWidth-4)),
			panelStyle.Width(panelWidth).Render(renderSessions(a.dash.Stats)),
		))
		b.WriteString("\n")
		b.WriteString(panelTitleStyle.Render(" Recent operations") + "\n")
		b.WriteString(a.ops.View())
	}

	if a.message != "" {
		b.WriteString("\n" + lipgloss.NewStyle().Foreground(errorColor).Render(a.message))
	}
	b.WriteString("\n")
	b.WriteString(a.cmdBar.View(a.width))
	b.WriteString("\n")
	b.WriteString(statusBarStyle.Width(a.width).Render(" :command | r:refresh | ↑↓:scroll | q:quit"))
	return b.String()
}

func (a *App) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultClientTimeout)
		defer cancel()
		dash, err := Poll(ctx, a.client)
		if err != nil {
			return errMsg{err}
		}
		return dashboardMsg{dash}
	}
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(a.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Poll gathers one dashboard snapshot.
func Poll(ctx context.Context, client *Client) (*Dashboard, error) {
	health, err := client.Health(ctx)
	if err != nil {
		return nil, err
	}
	dash := &Dashboard{Health: health, FetchedAt: time.Now()}
	if dash.Process, err = client.ProcessStatus(ctx); err != nil {
		return nil, err
	}
	if dash.Stats, err = client.SessionStats(ctx); err != nil {
		return nil, err
	}
	if dash.Operations, err = client.Operations(ctx, operationsLimit); err != nil {
		return nil, err
	}
	return dash, nil
}
