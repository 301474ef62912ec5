package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Output writes command results either as coloured text or as JSON.
type Output struct {
	writer       io.Writer
	jsonMode     bool
	colorEnabled bool

	green  *color.Color
	red    *color.Color
	yellow *color.Color
	cyan   *color.Color
	bold   *color.Color
	dim    *color.Color
}

// NewOutput builds the Output for cmd from its --json flag. Colour is used
// only when stdout is a terminal.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return newOutput(cmd.OutOrStdout(), jsonMode, !jsonMode && stdoutIsTerminal())
}

func newOutput(w io.Writer, jsonMode, colorEnabled bool) *Output {
	o := &Output{writer: w, jsonMode: jsonMode, colorEnabled: colorEnabled}
	palette := map[**color.Color]color.Attribute{
		&o.green:  color.FgGreen,
		&o.red:    color.FgRed,
		&o.yellow: color.FgYellow,
		&o.cyan:   color.FgCyan,
		&o.bold:   color.Bold,
		&o.dim:    color.Faint,
	}
	for slot, attr := range palette {
		c := color.New(attr)
		if colorEnabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		*slot = c
	}
	return o
}

func stdoutIsTerminal() bool {
	info, err := os.Stdout.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

func (o *Output) Writer() io.Writer  { return o.writer }
func (o *Output) IsJSON() bool       { return o.jsonMode }
func (o *Output) ColorEnabled() bool { return o.colorEnabled }

// JSON writes v as indented JSON.
func (o *Output) JSON(v any) error {
	enc := json.NewEncoder(o.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (o *Output) Println(args ...any) {
	fmt.Fprintln(o.writer, args...)
}

func (o *Output) Printf(format string, args ...any) {
	fmt.Fprintf(o.writer, format, args...)
}

// Success, Error, Warning, Info, Bold and Dim print one styled line.

func (o *Output) Success(format string, args ...any) { o.say(o.green, format, args...) }
func (o *Output) Error(format string, args ...any)   { o.say(o.red, format, args...) }
func (o *Output) Warning(format string, args ...any) { o.say(o.yellow, format, args...) }
func (o *Output) Info(format string, args ...any)    { o.say(o.cyan, format, args...) }
func (o *Output) Bold(format string, args ...any)    { o.say(o.bold, format, args...) }
func (o *Output) Dim(format string, args ...any)     { o.say(o.dim, format, args...) }

func (o *Output) say(c *color.Color, format string, args ...any) {
	fmt.Fprintln(o.writer, c.Sprintf(format, args...))
}

// Green, Red and Yellow colour a single table cell.

func (o *Output) Green(s string) string  { return o.green.Sprint(s) }
func (o *Output) Red(s string) string    { return o.red.Sprint(s) }
func (o *Output) Yellow(s string) string { return o.yellow.Sprint(s) }

// Table lays out rows in columns separated by two spaces. Cell widths
// ignore colour escapes.
type Table struct {
	out     *Output
	headers []string
	rows    [][]string
}

func NewTable(out *Output, headers ...string) *Table {
	return &Table{out: out, headers: headers}
}

func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for _, row := range append([][]string{t.headers}, t.rows...) {
		for i := 0; i < len(row) && i < len(widths); i++ {
			widths[i] = max(widths[i], visibleLen(row[i]))
		}
	}

	rule := make([]string, len(widths))
	for i, w := range widths {
		rule[i] = strings.Repeat("-", w)
	}

	t.line(t.headers, widths, t.out.bold)
	t.out.Println(t.out.dim.Sprint(strings.Join(rule, "  ")))
	for _, row := range t.rows {
		t.line(row, widths, nil)
	}
}

func (t *Table) line(cells []string, widths []int, style *color.Color) {
	var b strings.Builder
	for i := 0; i < len(cells) && i < len(widths); i++ {
		if i > 0 {
			b.WriteString("  ")
		}
		cell := cells[i] + strings.Repeat(" ", widths[i]-visibleLen(cells[i]))
		if style != nil {
			cell = style.Sprint(cell)
		}
		b.WriteString(cell)
	}
	t.out.Println(strings.TrimRight(b.String(), " "))
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

func visibleLen(s string) int {
	return len(stripANSI(s))
}
