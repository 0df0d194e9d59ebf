package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const asciiArt = `
 ██████╗  ██████╗ ███████╗████████╗
 ██╔══██╗██╔════╝ ██╔════╝╚══██╔══╝
 ██║  ██║██║  ███╗█████╗     ██║
 ██║  ██║██║   ██║██╔══╝     ██║
 ██████╔╝╚██████╔╝███████╗   ██║
 ╚═════╝  ╚═════╝ ╚══════╝   ╚═╝
`

var (
	titleStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	stepStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	selectedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	unselectedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	cursorStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	helpStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	inputStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	inputCursorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	labelStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(18)
	valueStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	containerStyle   = lipgloss.NewStyle().Padding(2, 4)
)

type step struct {
	title       string
	description string
	options     []option
	isInput     bool
	inputValue  *string
	placeholder string
}

type option struct {
	label string
	value string
}

type model struct {
	steps       []step
	currentStep int
	cursor      int
	config      *Config
	confirmed   bool
	cancelled   bool
	inputBuffer string
	width       int
	height      int
}

func initialModel(cfg *Config) model {
	numConnections := strconv.Itoa(cfg.NumConnections)
	maxSpeed := ""
	if cfg.MaxSpeed > 0 {
		maxSpeed = strconv.FormatInt(cfg.MaxSpeed, 10)
	}

	steps := []step{
		{
			title:       "Connections",
			description: "How many parallel connections per download",
			isInput:     true,
			inputValue:  &numConnections,
			placeholder: "4",
		},
		{
			title:       "Max speed",
			description: "Aggregate throughput cap in bytes/s, empty for unlimited",
			isInput:     true,
			inputValue:  &maxSpeed,
			placeholder: "unlimited",
		},
		{
			title:       "Proxy",
			description: "Leave empty for no proxy",
			isInput:     true,
			inputValue:  &cfg.Proxy,
			placeholder: "http://127.0.0.1:7890",
		},
		{
			title:       "Output Directory",
			description: "Where to save downloads",
			isInput:     true,
			inputValue:  &cfg.OutputDir,
			placeholder: ".",
		},
		{
			title:       "No-clobber",
			description: "Refuse to overwrite an existing unresumable output",
			options: []option{
				{"Off (overwrite)", "off"},
				{"On (refuse)", "on"},
			},
		},
		{
			title:       "Confirm",
			description: "Review and save configuration",
			options: []option{
				{"Yes, save", "yes"},
				{"No, cancel", "no"},
			},
		},
	}

	m := model{steps: steps, config: cfg}
	m.setCursorFromConfig()
	return m
}

func (m *model) setCursorFromConfig() {
	s := m.steps[m.currentStep]
	if s.isInput {
		m.inputBuffer = *s.inputValue
		return
	}
	if m.currentStep == 4 {
		m.cursor = 0
		if m.config.NoClobber {
			m.cursor = 1
		}
	}
}

func (m model) Init() tea.Cmd { return nil }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		s := m.steps[m.currentStep]

		switch msg.String() {
		case "ctrl+c", "esc":
			m.cancelled = true
			return m, tea.Quit

		case "left":
			if m.currentStep > 0 {
				m.saveCurrentValue()
				m.currentStep--
				m.setCursorFromConfig()
			}
			return m, nil

		case "right", "enter":
			if s.isInput {
				*s.inputValue = m.inputBuffer
			}
			m.saveCurrentValue()

			if m.currentStep == len(m.steps)-1 {
				if m.cursor == 0 {
					m.confirmed = true
				} else {
					m.cancelled = true
				}
				return m, tea.Quit
			}

			m.currentStep++
			m.cursor = 0
			m.setCursorFromConfig()
			return m, nil

		case "up", "k":
			if !s.isInput && m.cursor > 0 {
				m.cursor--
			}
			return m, nil

		case "down", "j":
			if !s.isInput && m.cursor < len(s.options)-1 {
				m.cursor++
			}
			return m, nil

		case "backspace":
			if s.isInput && len(m.inputBuffer) > 0 {
				m.inputBuffer = m.inputBuffer[:len(m.inputBuffer)-1]
			}
			return m, nil

		default:
			if s.isInput && len(msg.String()) == 1 {
				m.inputBuffer += msg.String()
			}
			return m, nil
		}
	}

	return m, nil
}

func (m *model) saveCurrentValue() {
	s := m.steps[m.currentStep]
	switch m.currentStep {
	case 0:
		if n, err := strconv.Atoi(strings.TrimSpace(m.inputBuffer)); err == nil && n > 0 {
			m.config.NumConnections = n
		}
	case 1:
		trimmed := strings.TrimSpace(m.inputBuffer)
		if trimmed == "" {
			m.config.MaxSpeed = 0
		} else if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil && n >= 0 {
			m.config.MaxSpeed = n
		}
	case 4:
		if !s.isInput && m.cursor < len(s.options) {
			m.config.NoClobber = s.options[m.cursor].value == "on"
		}
	}
}

func (m model) View() string {
	var b strings.Builder

	progress := fmt.Sprintf("Step %d of %d", m.currentStep+1, len(m.steps))
	b.WriteString(stepStyle.Render(progress))
	b.WriteString("\n\n")

	s := m.steps[m.currentStep]

	b.WriteString(titleStyle.Render(s.title))
	b.WriteString("\n")
	b.WriteString(stepStyle.Render(s.description))
	b.WriteString("\n\n")

	if m.currentStep == len(m.steps)-1 {
		b.WriteString(m.renderReview())
		b.WriteString("\n")
	}

	if s.isInput {
		display := m.inputBuffer
		if display == "" {
			display = stepStyle.Render(s.placeholder)
		}
		b.WriteString(inputCursorStyle.Render("> "))
		b.WriteString(inputStyle.Render(display))
		b.WriteString(inputCursorStyle.Render("█"))
		b.WriteString("\n")
	} else {
		for i, opt := range s.options {
			cursor := "  "
			style := unselectedStyle
			if i == m.cursor {
				cursor = cursorStyle.Render("> ")
				style = selectedStyle
			}
			b.WriteString(cursor)
			b.WriteString(style.Render(opt.label))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("← back • → next • ↑↓ select • enter confirm • esc quit"))

	content := containerStyle.Render(b.String())
	if m.width > 0 && m.height > 0 {
		content = lipgloss.Place(m.width, m.height, lipgloss.Left, lipgloss.Top, content)
	}
	return content
}

func (m model) renderReview() string {
	var b strings.Builder

	proxy := m.config.Proxy
	if proxy == "" {
		proxy = "(none)"
	}
	outputDir := m.config.OutputDir
	if outputDir == "" {
		outputDir = "."
	}
	maxSpeed := "unlimited"
	if m.config.MaxSpeed > 0 {
		maxSpeed = strconv.FormatInt(m.config.MaxSpeed, 10) + " B/s"
	}

	lines := []struct{ label, value string }{
		{"Connections", strconv.Itoa(m.config.NumConnections)},
		{"Max speed", maxSpeed},
		{"Proxy", proxy},
		{"Output Dir", outputDir},
		{"No-clobber", strconv.FormatBool(m.config.NoClobber)},
	}

	for _, line := range lines {
		b.WriteString(labelStyle.Render(line.label + ":"))
		b.WriteString(valueStyle.Render(line.value))
		b.WriteString("\n")
	}

	return b.String()
}

// RunInitWizard runs an interactive TUI wizard to configure dget.
func RunInitWizard() (*Config, error) {
	fmt.Print("\033[36m")
	fmt.Print(asciiArt)
	fmt.Print("\033[0m")
	fmt.Println("  A parallel download accelerator")
	fmt.Println()
	time.Sleep(500 * time.Millisecond)

	cfg := LoadOrDefault()

	m := initialModel(cfg)
	p := tea.NewProgram(m, tea.WithAltScreen())

	finalModel, err := p.Run()
	if err != nil {
		return nil, err
	}

	result := finalModel.(model)
	if result.cancelled {
		return nil, fmt.Errorf("configuration cancelled")
	}

	if result.config.OutputDir == "" {
		result.config.OutputDir = "."
	}

	return result.config, nil
}
