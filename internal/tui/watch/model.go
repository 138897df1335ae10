package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/loom/internal/api"
	"github.com/mattjoyce/loom/internal/events"
)

const maxRecentFailures = 8

// workerState tracks what one worker slot is currently doing.
type workerState struct {
	CurrentTest string
	LastStatus  string
	UpdatedAt   time.Time
}

type testEventData struct {
	TestID     string `json:"test_id"`
	Name       string `json:"name"`
	Suite      string `json:"suite"`
	Attempt    int    `json:"attempt"`
	Worker     int    `json:"worker"`
	Status     string `json:"status"`
	Expected   string `json:"expected"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	status   api.RunStatus
	workers  map[int]*workerState
	passed   int
	failed   int
	skipped  int
	recent   []testEventData
	finished bool

	spinner spinner.Model
	theme   Theme

	hubEvents chan events.Event
	lastError string
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	theme := NewDefaultTheme()
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = theme.Highlight

	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		workers:   make(map[int]*workerState),
		hubEvents: make(chan events.Event, 100),
		spinner:   sp,
		theme:     theme,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchStatus(m.apiURL, m.apiKey) },
		m.spinner.Tick,
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		return m, tea.Batch(
			func() tea.Msg { return fetchStatus(m.apiURL, m.apiKey) },
			tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		)

	case statusMsg:
		m.status = api.RunStatus(msg)
		m.lastError = ""

	case eventMsg:
		m.applyEvent(events.Event(msg))
		return m, receiveNextEvent(m.hubEvents)

	case sseDisconnectedMsg:
		if m.finished {
			return m, nil
		}
		m.lastError = "event stream disconnected, retrying"
		return m, tea.Tick(2*time.Second, func(time.Time) tea.Msg {
			return subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents)()
		})

	case errMsg:
		m.lastError = msg.Error()
	}

	return m, nil
}

func (m *Model) applyEvent(ev events.Event) {
	var data testEventData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return
	}

	switch ev.Type {
	case events.TypeTestBegin:
		m.worker(data.Worker).CurrentTest = data.Name
		m.worker(data.Worker).UpdatedAt = ev.At

	case events.TypeTestEnd:
		w := m.worker(data.Worker)
		w.CurrentTest = ""
		w.LastStatus = data.Status
		w.UpdatedAt = ev.At

		switch data.Status {
		case "passed":
			m.passed++
		case "skipped":
			m.skipped++
		default:
			m.failed++
		}
		if data.Status != "skipped" && data.Status != data.Expected {
			m.recent = append(m.recent, data)
			if len(m.recent) > maxRecentFailures {
				m.recent = m.recent[len(m.recent)-maxRecentFailures:]
			}
		}

	case events.TypeRunFinished:
		m.finished = true
	}
}

func (m *Model) worker(index int) *workerState {
	w, ok := m.workers[index]
	if !ok {
		w = &workerState{}
		m.workers[index] = w
	}
	return w
}

func (m Model) View() string {
	var b strings.Builder

	title := m.theme.Title.Render("loom watch")
	if m.finished {
		title += m.theme.Dim.Render("  run finished")
	} else {
		title += "  " + m.spinner.View()
	}
	b.WriteString(title + "\n\n")

	b.WriteString(fmt.Sprintf("  %s  %s  %s   %s\n\n",
		m.theme.StatusPassed.Render(fmt.Sprintf("%d passed", m.passed)),
		m.theme.StatusFailed.Render(fmt.Sprintf("%d failed", m.failed)),
		m.theme.StatusSkipped.Render(fmt.Sprintf("%d skipped", m.skipped)),
		m.theme.Dim.Render(fmt.Sprintf("queued groups: %d  workers: %d", m.status.QueuedGroups, m.status.Workers)),
	))

	b.WriteString(m.theme.Header.Render("  workers") + "\n")
	indexes := make([]int, 0, len(m.workers))
	for i := range m.workers {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	if len(indexes) == 0 {
		b.WriteString(m.theme.Dim.Render("    waiting for activity") + "\n")
	}
	for _, i := range indexes {
		w := m.workers[i]
		line := fmt.Sprintf("    #%-3d ", i)
		switch {
		case w.CurrentTest != "":
			line += m.theme.StatusRunning.Render("▸ " + w.CurrentTest)
		case w.LastStatus != "":
			line += m.theme.Dim.Render("idle, last " + w.LastStatus)
		default:
			line += m.theme.Dim.Render("idle")
		}
		b.WriteString(line + "\n")
	}

	if len(m.recent) > 0 {
		b.WriteString("\n" + m.theme.Header.Render("  recent failures") + "\n")
		for _, f := range m.recent {
			b.WriteString(fmt.Sprintf("    %s %s › %s %s\n",
				m.theme.StatusFailed.Render("✗"),
				f.Suite, f.Name,
				m.theme.Dim.Render(fmt.Sprintf("(%s, attempt %d)", f.Status, f.Attempt))))
			if f.Error != "" {
				b.WriteString("      " + m.theme.Dim.Render(f.Error) + "\n")
			}
		}
	}

	if m.lastError != "" {
		b.WriteString("\n  " + m.theme.StatusFailed.Render(m.lastError) + "\n")
	}

	b.WriteString("\n" + m.theme.Dim.Render("  q to quit"))

	content := b.String()
	if m.width > 0 {
		content = lipgloss.NewStyle().MaxWidth(m.width).Render(content)
	}
	return content
}
