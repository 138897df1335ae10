package report

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/loom/internal/model"
)

var (
	stylePass = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleFail = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	styleSkip = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// Console writes one line per finished attempt and keeps run totals for the
// final summary.
type Console struct {
	mu  sync.Mutex
	out io.Writer

	// Echo forwards captured test output to the console as it streams in.
	Echo bool

	passed     int
	failed     int
	skipped    int
	unexpected int
	errors     int
	started    time.Time
}

// NewConsole creates a console reporter writing to out.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out, started: time.Now()}
}

func (c *Console) OnTestBegin(test *model.TestCase) {}

func (c *Console) OnTestEnd(test *model.TestCase, result *model.TestResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var mark string
	switch result.Status {
	case model.StatusPassed:
		c.passed++
		mark = stylePass.Render("ok")
	case model.StatusSkipped:
		c.skipped++
		mark = styleSkip.Render("skip")
	case model.StatusTimedOut:
		c.failed++
		mark = styleFail.Render("timeout")
	default:
		c.failed++
		mark = styleFail.Render("FAIL")
	}
	if result.Status != model.StatusSkipped && result.Status != test.ExpectedStatus {
		c.unexpected++
	}

	attempt := ""
	if n := len(test.Results); n > 1 {
		attempt = styleDim.Render(fmt.Sprintf(" (retry #%d)", n-1))
	}

	line := fmt.Sprintf("%7s  %s › %s%s  %s", mark, test.SuiteName, test.Name, attempt,
		styleDim.Render(result.Duration.Round(time.Millisecond).String()))
	fmt.Fprintln(c.out, line)

	if result.Error != nil && result.Status != model.StatusSkipped {
		fmt.Fprintf(c.out, "         %s\n", styleFail.Render(result.Error.Value))
	}
}

func (c *Console) OnStdOut(chunk model.Chunk, test *model.TestCase) {
	c.echo(chunk)
}

func (c *Console) OnStdErr(chunk model.Chunk, test *model.TestCase) {
	c.echo(chunk)
}

func (c *Console) echo(chunk model.Chunk) {
	if !c.Echo {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if chunk.Text != "" {
		io.WriteString(c.out, chunk.Text)
	} else if len(chunk.Bytes) > 0 {
		c.out.Write(chunk.Bytes)
	}
}

func (c *Console) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors++
	fmt.Fprintf(c.out, "%s %v\n", styleFail.Render("worker error:"), err)
}

// Failed reports whether any attempt ended with an unexpected status.
func (c *Console) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unexpected > 0
}

// Summary writes the run totals.
func (c *Console) Summary() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.started).Round(10 * time.Millisecond)
	fmt.Fprintln(c.out)
	fmt.Fprintf(c.out, "  %s  %s  %s  in %s\n",
		stylePass.Render(fmt.Sprintf("%d passed", c.passed)),
		styleFail.Render(fmt.Sprintf("%d failed", c.failed)),
		styleSkip.Render(fmt.Sprintf("%d skipped", c.skipped)),
		elapsed)
	if c.errors > 0 {
		fmt.Fprintf(c.out, "  %s\n", styleFail.Render(fmt.Sprintf("%d worker errors", c.errors)))
	}
}
