package view

import (
	"strings"

	"github.com/mattn/go-runewidth"

	"convlog/internal/format"
	"convlog/internal/model"
)

// chatMargin is the gap kept between a bubble and either terminal edge.
const chatMargin = 2

type alignment int

const (
	alignLeft alignment = iota
	alignCenter
	alignRight
)

// bubble is one record laid out for the chat view.
type bubble struct {
	role  string
	label string
	stamp string
	tags  []string
	body  []string
	align alignment
}

func renderChatTranscript(items []item, width int, useColor bool, render format.RenderOptions) []string {
	if width <= 0 {
		width = 80
	}
	inner := bubbleInnerWidth(width)

	var lines []string
	for i, it := range items {
		if i > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, newBubble(it, inner, render).draw(width, inner, useColor)...)
	}
	return lines
}

// bubbleInnerWidth caps bubbles at three quarters of the screen so that
// alignment stays visible.
func bubbleInnerWidth(width int) int {
	inner := width*3/4 - 4
	if inner < 16 {
		inner = min(16, width-2*chatMargin-4)
	}
	return max(inner, 8)
}

func newBubble(it item, inner int, render format.RenderOptions) bubble {
	role := displayRole(it)
	b := bubble{
		role:  role,
		label: roleLabel(role),
		stamp: "-",
		align: alignFor(it.rec),
	}
	if !it.rec.Timestamp.IsZero() {
		b.stamp = it.rec.Timestamp.Format("Jan 02 15:04")
	}
	if it.sidechain {
		b.tags = append(b.tags, "side-chain")
	}
	if it.synthetic {
		b.tags = append(b.tags, "detached")
	}

	render.Wrap = inner
	for _, line := range format.RenderRecordLines(it.rec, render) {
		line = strings.TrimRight(line, " \t")
		if runewidth.StringWidth(line) <= inner {
			b.body = append(b.body, line)
			continue
		}
		b.body = append(b.body, strings.Split(runewidth.Wrap(line, inner), "\n")...)
	}
	return b
}

func roleLabel(role string) string {
	if role == "" {
		return "Event"
	}
	return strings.ToUpper(role[:1]) + role[1:]
}

// alignFor puts the human on the right, the model on the left and
// everything else between them.
func alignFor(rec *model.Record) alignment {
	switch {
	case rec.Kind == model.EntryTypeUser && !rec.IsToolResultOnly():
		return alignRight
	case rec.Kind == model.EntryTypeAssistant:
		return alignLeft
	default:
		return alignCenter
	}
}

func (b bubble) header() string {
	parts := append([]string{b.label, b.stamp}, b.tags...)
	return strings.Join(parts, " · ")
}

func (b bubble) draw(width, inner int, useColor bool) []string {
	header := runewidth.Truncate(b.header(), inner, "…")
	span := runewidth.StringWidth(header)
	for _, line := range b.body {
		span = max(span, runewidth.StringWidth(line))
	}

	indent := strings.Repeat(" ", b.offset(width, span))
	rule := strings.Repeat("─", span+2)
	edge := "|"
	if useColor {
		edge = colorize(true, ansiSeparator, edge)
	}
	row := func(text string) string {
		return indent + edge + " " + runewidth.FillRight(text, span) + " " + edge
	}

	out := make([]string, 0, len(b.body)+3)
	out = append(out, indent+"╭"+rule+"╮")
	title := row(header)
	if useColor && header == b.header() {
		colored := colorize(true, roleColor(b.role), b.label) + " · " +
			colorize(true, ansiTimestamp, strings.Join(append([]string{b.stamp}, b.tags...), " · "))
		title = strings.Replace(title, header, colored, 1)
	}
	out = append(out, title)
	for _, line := range b.body {
		out = append(out, row(line))
	}
	return append(out, indent+"╰"+rule+"╯")
}

// offset is the number of columns before the bubble's left border. A
// bubble is span+4 columns wide including borders.
func (b bubble) offset(width, span int) int {
	free := max(width-span-4, 0)
	switch b.align {
	case alignRight:
		return free
	case alignCenter:
		return min(max(free/2, chatMargin), free)
	default:
		return min(chatMargin, free)
	}
}
