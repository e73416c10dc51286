// Package report renders a dispatch round for people (text) and for
// machines (JSON).
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"charm.land/lipgloss/v2"

	"github.com/agent462/fleetrun/internal/aggregate"
	"github.com/agent462/fleetrun/internal/executor"
	"github.com/agent462/fleetrun/internal/grouper"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// DefaultFailureHeader introduces the failing host list in text reports.
const DefaultFailureHeader = "Failed on the following hosts"

var (
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4672")).Bold(true)
	hostStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#00E5FF"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FDFF90")).Bold(true)
	summaryStyle = lipgloss.NewStyle().Bold(true)
)

// Formatter renders round results.
type Formatter struct {
	Color         bool
	FailureHeader string
}

// NewFormatter returns a Formatter with the default failure header.
func NewFormatter(color bool) *Formatter {
	return &Formatter{Color: color, FailureHeader: DefaultFailureHeader}
}

// Write renders the round to w in the given format.
func (f *Formatter) Write(w io.Writer, format string, results *executor.Results, c aggregate.Classification) error {
	switch format {
	case "", FormatText:
		_, err := io.WriteString(w, f.Text(results, c))
		return err
	case FormatJSON:
		data, err := f.JSON(results, c)
		if err != nil {
			return err
		}
		_, err = w.Write(append(data, '\n'))
		return err
	default:
		return fmt.Errorf("unknown output format %q, must be one of: %s, %s", format, FormatText, FormatJSON)
	}
}

// Text lists hosts in dispatch order: a succeeding host as its bare name, a
// failing host with its stdout and stderr. Hosts that failed with identical
// output share one block, printed at the first of them. The failing hosts
// are then listed under FailureHeader, followed by a count summary.
func (f *Formatter) Text(results *executor.Results, c aggregate.Classification) string {
	var b strings.Builder

	if results == nil || c.Kind == aggregate.Fatal {
		b.WriteString(f.style(failStyle, "Error: "+c.Summary()))
		b.WriteString("\n")
		return b.String()
	}

	all := results.All()
	groups := grouper.Failures(all)
	groupOf := make(map[string]int, len(all))
	for i, g := range groups {
		for _, h := range g.Hosts {
			groupOf[h] = i
		}
	}

	printed := make(map[int]bool, len(groups))
	for _, r := range all {
		if !r.Failed() {
			b.WriteString(f.style(okStyle, r.Host))
			b.WriteString("\n")
			continue
		}
		i := groupOf[r.Host]
		if printed[i] {
			continue
		}
		printed[i] = true
		f.writeFailure(&b, groups[i])
	}

	if len(c.FailingHosts) > 0 {
		header := f.FailureHeader
		if header == "" {
			header = DefaultFailureHeader
		}
		b.WriteString(f.style(warnStyle, header+":"))
		b.WriteString("\n")
		for _, h := range c.FailingHosts {
			b.WriteString(f.style(hostStyle, h))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(f.style(summaryStyle, summaryLine(all)))
	b.WriteString("\n")
	return b.String()
}

func (f *Formatter) writeFailure(b *strings.Builder, g grouper.OutputGroup) {
	b.WriteString(f.style(failStyle, strings.Join(g.Hosts, ", ")+":"))
	b.WriteString("\n")
	b.WriteString(f.style(labelStyle, "stdout:"))
	b.WriteString("\n")
	writeStream(b, g.Stdout)
	b.WriteString(f.style(labelStyle, "stderr:"))
	b.WriteString("\n")
	writeStream(b, g.Stderr)
	b.WriteString("\n")
}

func writeStream(b *strings.Builder, data []byte) {
	if len(data) == 0 {
		return
	}
	b.Write(data)
	if data[len(data)-1] != '\n' {
		b.WriteString("\n")
	}
}

func summaryLine(all []*executor.HostResult) string {
	var ok, nonZero, unreachable, timedOut int
	for _, r := range all {
		switch {
		case !r.Failed():
			ok++
		case r.TimedOut():
			timedOut++
		case r.ExitCode == executor.ExitUnreachable:
			unreachable++
		default:
			nonZero++
		}
	}
	parts := []string{fmt.Sprintf("%d succeeded", ok)}
	if nonZero > 0 {
		parts = append(parts, fmt.Sprintf("%d non-zero exit", nonZero))
	}
	if unreachable > 0 {
		parts = append(parts, fmt.Sprintf("%d unreachable", unreachable))
	}
	if timedOut > 0 {
		parts = append(parts, fmt.Sprintf("%d timed out", timedOut))
	}
	return strings.Join(parts, ", ")
}

func (f *Formatter) style(s lipgloss.Style, text string) string {
	if !f.Color {
		return text
	}
	return s.Render(text)
}

// jsonReport is the machine-readable form of a round.
type jsonReport struct {
	Round        string       `json:"round,omitempty"`
	Status       string       `json:"status"`
	Message      string       `json:"message"`
	FailingHosts []string     `json:"failing_hosts"`
	Hosts        []jsonResult `json:"hosts"`
}

type jsonResult struct {
	Host     string `json:"host"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Duration string `json:"duration"`
	Error    string `json:"error,omitempty"`
}

// JSON serializes the classification and every host result.
func (f *Formatter) JSON(results *executor.Results, c aggregate.Classification) ([]byte, error) {
	rep := jsonReport{
		Status:       c.Kind.String(),
		Message:      c.Summary(),
		FailingHosts: c.FailingHosts,
		Hosts:        []jsonResult{},
	}
	if rep.FailingHosts == nil {
		rep.FailingHosts = []string{}
	}
	if results != nil {
		rep.Round = results.RoundID.String()
		for _, r := range results.All() {
			jr := jsonResult{
				Host:     r.Host,
				ExitCode: r.ExitCode,
				Stdout:   string(r.Stdout),
				Stderr:   string(r.Stderr),
				Duration: r.Duration.String(),
			}
			if r.Err != nil {
				jr.Error = r.Err.Error()
			}
			rep.Hosts = append(rep.Hosts, jr)
		}
	}
	return json.MarshalIndent(rep, "", "  ")
}
