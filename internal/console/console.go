// Package console renders recorder snapshots for the terminal.
package console

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/loqalabs/loqa-record/internal/recorder"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Output writes v to w in the given format.
func Output(w io.Writer, v any, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML, "":
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		_, err = w.Write(data)
		return err
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

type Theme struct {
	Primary   lipgloss.Color
	Recording lipgloss.Color
	Dim       lipgloss.Color
}

var DefaultTheme = Theme{
	Primary:   lipgloss.Color("#00ff9f"),
	Recording: lipgloss.Color("#e5484d"),
	Dim:       lipgloss.Color("#6e7681"),
}

type Styles struct {
	Title     lipgloss.Style
	Border    lipgloss.Style
	Recording lipgloss.Style
	Help      lipgloss.Style
}

func NewStyles(t Theme) Styles {
	return Styles{
		Title:     lipgloss.NewStyle().Bold(true).Foreground(t.Primary).Padding(0, 1),
		Border:    lipgloss.NewStyle().Foreground(t.Primary),
		Recording: lipgloss.NewStyle().Bold(true).Foreground(t.Recording),
		Help:      lipgloss.NewStyle().Foreground(t.Dim),
	}
}

// Render draws snap as a boxed panel width columns wide: a title line with
// the state, the wrapped status text and a footer with the record file.
func Render(snap recorder.Snapshot, styles Styles, width int) string {
	if width < 20 {
		width = 20
	}
	bc := styles.Border
	inner := width - 4

	state := styles.Help.Render("[" + snap.State.String() + "]")
	if snap.State == recorder.StateRecording {
		state = styles.Recording.Render("● " + snap.State.String())
	}
	title := styles.Title.Render("Record")

	var lines []string
	lines = append(lines, bc.Render("╭"+strings.Repeat("─", width-2)+"╮"))
	padding := max(0, width-5-lipgloss.Width(title)-lipgloss.Width(state))
	lines = append(lines, bc.Render("│")+" "+title+" "+state+strings.Repeat(" ", padding)+" "+bc.Render("│"))
	lines = append(lines, bc.Render("├"+strings.Repeat("─", width-2)+"┤"))

	for _, text := range wrap(snap.Status, inner) {
		lines = append(lines, bc.Render("│")+" "+text+strings.Repeat(" ", max(0, inner-lipgloss.Width(text)))+" "+bc.Render("│"))
	}
	lines = append(lines, bc.Render("╰"+strings.Repeat("─", width-2)+"╯"))

	var footer []string
	if snap.FilePath != "" {
		footer = append(footer, snap.FilePath)
	}
	if snap.StartedAt != nil && snap.State == recorder.StateRecording {
		footer = append(footer, time.Since(*snap.StartedAt).Round(time.Second).String())
	}
	if snap.Error != "" {
		footer = append(footer, "error: "+snap.Error)
	}
	if len(footer) > 0 {
		lines = append(lines, styles.Help.Render(strings.Join(footer, " · ")))
	}
	return strings.Join(lines, "\n")
}

// wrap breaks text into lines no wider than width, splitting on spaces.
func wrap(text string, width int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}
	var (
		lines []string
		cur   string
	)
	for _, word := range words {
		for lipgloss.Width(word) > width {
			if cur != "" {
				lines = append(lines, cur)
				cur = ""
			}
			head := truncate(word, width)
			lines = append(lines, head)
			word = word[len(head):]
		}
		switch {
		case cur == "":
			cur = word
		case lipgloss.Width(cur)+1+lipgloss.Width(word) <= width:
			cur += " " + word
		default:
			lines = append(lines, cur)
			cur = word
		}
	}
	if cur != "" {
		lines = append(lines, cur)
	}
	return lines
}

func truncate(s string, width int) string {
	cur := 0
	for i, r := range s {
		w := lipgloss.Width(string(r))
		if cur+w > width {
			return s[:i]
		}
		cur += w
	}
	return s
}
