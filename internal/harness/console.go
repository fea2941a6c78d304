package harness

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	passStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	skipStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	caseStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
)

// console writes human assertion lines. Styling is dropped when the sink is
// not a terminal so captured suite output stays grep-friendly.
type console struct {
	out   io.Writer
	color bool
}

func newConsole(out io.Writer) *console {
	color := false
	if f, ok := out.(*os.File); ok {
		color = term.IsTerminal(int(f.Fd()))
	}
	return &console{out: out, color: color}
}

func (c *console) render(style lipgloss.Style, s string) string {
	if c.color {
		return style.Render(s)
	}
	return s
}

func (c *console) pass(id, msg string) {
	fmt.Fprintf(c.out, "  %s %s %s\n", c.render(passStyle, "PASS"), msg, c.render(dimStyle, id))
}

func (c *console) fail(id, msg string) {
	fmt.Fprintf(c.out, "  %s %s %s\n", c.render(failStyle, "FAIL"), msg, c.render(dimStyle, id))
}

func (c *console) skip(id, msg string) {
	fmt.Fprintf(c.out, "  %s %s %s\n", c.render(skipStyle, "SKIP"), msg, c.render(dimStyle, id))
}

func (c *console) caseStart(name string) {
	fmt.Fprintf(c.out, "%s %s\n", c.render(caseStyle, "CASE"), name)
}

func (c *console) line(format string, args ...any) {
	fmt.Fprintf(c.out, format+"\n", args...)
}
