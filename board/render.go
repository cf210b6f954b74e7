package board

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/charmbracelet/lipgloss"

	"portfolio-kanban/domain"
)

// Renderer writes a board to w.
type Renderer interface {
	Render(w io.Writer, b domain.Board) error
	ContentType() string
}

// NewRenderer returns the renderer for format ("json" or "text").
func NewRenderer(format string) (Renderer, error) {
	switch strings.ToLower(format) {
	case "", "json":
		return JSONRenderer{}, nil
	case "text":
		return NewTextRenderer(), nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

// JSONRenderer encodes the board as JSON.
type JSONRenderer struct {
	Indent bool
}

func (r JSONRenderer) ContentType() string { return "application/json; charset=UTF-8" }

func (r JSONRenderer) Render(w io.Writer, b domain.Board) error {
	enc := sonic.ConfigStd.NewEncoder(w)
	if r.Indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(b)
}

const (
	defaultColumnWidth = 30
	cardInset          = 4
)

var (
	columnTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	overLimitStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	policyStyle      = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#A0AEC0"))
	ageStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	noticeStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801"))
)

// TextRenderer draws the board as side by side columns for terminals.
type TextRenderer struct {
	ColumnWidth int
}

// NewTextRenderer returns a TextRenderer with the default column width.
func NewTextRenderer() TextRenderer {
	return TextRenderer{ColumnWidth: defaultColumnWidth}
}

func (r TextRenderer) ContentType() string { return "text/plain; charset=UTF-8" }

func (r TextRenderer) Render(w io.Writer, b domain.Board) error {
	if !b.HasColumns() {
		_, err := fmt.Fprintln(w, noticeStyle.Render(b.Notice))
		return err
	}
	width := r.ColumnWidth
	if width <= cardInset {
		width = defaultColumnWidth
	}

	blocks := make([]string, 0, len(b.Columns))
	for _, col := range b.Columns {
		blocks = append(blocks, r.renderColumn(col, b.ShowPolicies, width))
	}
	header := columnTitleStyle.Render(b.Type.Name)
	_, err := fmt.Fprintln(w, lipgloss.JoinVertical(lipgloss.Left, header, lipgloss.JoinHorizontal(lipgloss.Top, blocks...)))
	return err
}

func (r TextRenderer) renderColumn(col domain.Column, showPolicies bool, width int) string {
	title := col.DisplayValue
	if col.WIPLimit != nil && *col.WIPLimit > 0 {
		title = fmt.Sprintf("%s (%d/%d)", title, col.CardCount, *col.WIPLimit)
	} else {
		title = fmt.Sprintf("%s (%d)", title, col.CardCount)
	}
	titleStyle := columnTitleStyle
	if col.OverWIPLimit {
		titleStyle = overLimitStyle
	}

	lines := []string{titleStyle.Render(title)}
	if showPolicies && col.PoliciesEnabled && col.Policies != "" {
		lines = append(lines, policyStyle.Width(width-2).Render(col.Policies))
	}

	card := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(width - cardInset)
	for _, c := range col.Cards {
		lines = append(lines, card.Render(cardBody(c)))
	}
	if col.Truncated {
		lines = append(lines, fmt.Sprintf("+%d more", col.CardCount-len(col.Cards)))
	}
	return lipgloss.NewStyle().Width(width).PaddingRight(1).Render(strings.Join(lines, "\n"))
}

func cardBody(c domain.Card) string {
	lines := []string{strings.TrimSpace(c.FormattedID + " " + c.Name)}
	if c.Owner != "" {
		lines = append(lines, c.Owner)
	}
	if c.PercentDone > 0 {
		lines = append(lines, fmt.Sprintf("%.0f%% done", c.PercentDone*100))
	}
	if len(c.Fields) > 0 {
		keys := make([]string, 0, len(c.Fields))
		for k := range c.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lines = append(lines, k+": "+c.Fields[k])
		}
	}
	if c.TimeInState != "" {
		lines = append(lines, ageStyle.Render(c.TimeInState+" in this column"))
	}
	return strings.Join(lines, "\n")
}
