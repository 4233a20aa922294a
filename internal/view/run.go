// Package view renders a reconstructed session as text, chat bubbles or the
// original JSON lines.
package view

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"convlog/internal/format"
	"convlog/internal/graph"
	"convlog/internal/model"
)

// Options defines the configurable parameters for rendering a view.
type Options struct {
	Graph        *graph.Graph
	Format       string
	Wrap         int
	MaxEvents    int
	KindArg      string
	Thinking     bool
	Tools        bool
	Sidechains   bool
	ForceColor   bool
	ForceNoColor bool
	RawFile      bool
	NoPager      bool
	Out          io.Writer
	OutFile      *os.File
}

// item is one record selected for display.
type item struct {
	rec       *model.Record
	sidechain bool
	synthetic bool
}

// Run renders a session according to the provided options.
func Run(opts Options) error {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Graph == nil {
		return fmt.Errorf("no session to render")
	}

	if opts.RawFile {
		return copyFile(opts.Out, opts.Graph.Path)
	}

	kinds, err := parseKindArg(opts.KindArg)
	if err != nil {
		return err
	}

	formatMode := strings.ToLower(opts.Format)
	if formatMode == "" {
		formatMode = "text"
	}

	render := format.RenderOptions{Thinking: opts.Thinking, Tools: opts.Tools, ToolStatus: opts.Graph.Tool}
	items := selectItems(opts.Graph, kinds, opts)
	if formatMode != "raw" {
		items = dropEmpty(items, render)
	}
	if opts.MaxEvents > 0 {
		r := newRing[item](opts.MaxEvents)
		for _, it := range items {
			r.push(it)
		}
		items = r.slice()
	}

	switch formatMode {
	case "text":
		useColor := resolveColorChoice(opts)
		render.Wrap = opts.Wrap
		for idx, it := range items {
			if idx > 0 {
				fmt.Fprintln(opts.Out)
			}
			printRecord(opts.Out, it, idx+1, render, useColor)
		}
		return nil

	case "raw":
		return writeRaw(opts.Out, opts.Graph.Path, items)

	case "chat":
		colorEnabled := resolveColorChoice(opts)
		width := determineWidth(opts.OutFile, opts.Wrap)
		if len(items) == 0 {
			return nil
		}

		lines := renderChatTranscript(items, width, colorEnabled, render)
		if len(lines) == 0 {
			return nil
		}
		if !opts.NoPager && opts.OutFile != nil && isatty.IsTerminal(opts.OutFile.Fd()) {
			return pipeThroughPager(lines, colorEnabled)
		}
		return writeLines(opts.Out, lines)

	default:
		return fmt.Errorf("unsupported format: %s", opts.Format)
	}
}

// selectItems returns detached records first, then nodes in display order,
// filtered by kind. Tool-result-only user records count as tool output and
// are kept only when tools are shown.
func selectItems(g *graph.Graph, kinds map[model.EntryType]struct{}, opts Options) []item {
	var out []item
	keep := func(rec *model.Record) bool {
		if kinds != nil {
			if _, ok := kinds[rec.Kind]; !ok {
				return false
			}
		}
		if rec.Kind == model.EntryTypeUser && rec.IsToolResultOnly() && !opts.Tools {
			return false
		}
		return true
	}
	for i := range g.Detached {
		if rec := &g.Detached[i]; keep(rec) {
			out = append(out, item{rec: rec})
		}
	}
	for _, n := range g.Ordered(graph.OrderOptions{IncludeSidechains: opts.Sidechains}) {
		if keep(&n.Record) {
			out = append(out, item{rec: &n.Record, sidechain: n.Sidechain, synthetic: n.Synthetic})
		}
	}
	return out
}

func dropEmpty(items []item, render format.RenderOptions) []item {
	out := items[:0]
	for _, it := range items {
		if len(format.RenderRecordLines(it.rec, render)) > 0 {
			out = append(out, it)
		}
	}
	return out
}

func parseKindArg(arg string) (map[model.EntryType]struct{}, error) {
	values := parseCSV(arg)
	if len(values) == 0 {
		return map[model.EntryType]struct{}{
			model.EntryTypeUser:      {},
			model.EntryTypeAssistant: {},
		}, nil
	}
	if len(values) == 1 && values[0] == "all" {
		return nil, nil
	}

	lookup := map[string]model.EntryType{
		"user":      model.EntryTypeUser,
		"assistant": model.EntryTypeAssistant,
		"system":    model.EntryTypeSystem,
		"summary":   model.EntryTypeSummary,
	}

	set := make(map[model.EntryType]struct{}, len(values))
	for _, token := range values {
		kind, ok := lookup[token]
		if !ok {
			return nil, fmt.Errorf("unknown record type %q", token)
		}
		set[kind] = struct{}{}
	}
	return set, nil
}

func parseCSV(arg string) []string {
	if strings.TrimSpace(arg) == "" {
		return nil
	}
	parts := strings.Split(arg, ",")
	output := make([]string, 0, len(parts))
	for _, part := range parts {
		token := strings.TrimSpace(strings.ToLower(part))
		if token != "" {
			output = append(output, token)
		}
	}
	return output
}

type ring[T any] struct {
	data   []T
	start  int
	length int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		return &ring[T]{}
	}
	return &ring[T]{data: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if len(r.data) == 0 {
		return
	}
	idx := (r.start + r.length) % len(r.data)
	r.data[idx] = v
	if r.length < len(r.data) {
		r.length++
		return
	}
	r.start = (r.start + 1) % len(r.data)
}

func (r *ring[T]) slice() []T {
	if r.length == 0 {
		return nil
	}
	result := make([]T, r.length)
	for i := 0; i < r.length; i++ {
		result[i] = r.data[(r.start+i)%len(r.data)]
	}
	return result
}

// writeRaw prints the original line of every selected record.
func writeRaw(out io.Writer, path string, items []item) error {
	f, err := os.Open(path)
	if err != nil {
		return &model.IOFailure{Path: path, Op: "open", Err: err}
	}
	defer f.Close() //nolint:errcheck

	br := bufio.NewReader(f)
	for _, it := range items {
		if _, err := f.Seek(it.rec.Offset, io.SeekStart); err != nil {
			return &model.IOFailure{Path: path, Op: "seek", Err: err}
		}
		br.Reset(f)
		line, err := br.ReadString('\n')
		if err != nil && line == "" {
			return &model.IOFailure{Path: path, Op: "read", Err: err}
		}
		if _, err := fmt.Fprintln(out, strings.TrimRight(line, "\r\n")); err != nil {
			return err
		}
	}
	return nil
}

func determineWidth(out *os.File, wrap int) int {
	if wrap > 0 {
		return wrap
	}
	if out != nil {
		if w, _, err := term.GetSize(int(out.Fd())); err == nil && w > 0 {
			return w
		}
	}
	if colsStr := os.Getenv("COLUMNS"); colsStr != "" {
		if v, err := strconv.Atoi(colsStr); err == nil && v > 0 {
			return v
		}
	}
	return 80
}

func pipeThroughPager(lines []string, colorEnabled bool) error {
	text := strings.Join(lines, "\n")
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	pagerCmd := os.Getenv("PAGER")
	var cmd *exec.Cmd
	if pagerCmd == "" {
		args := []string{"less"}
		if colorEnabled {
			args = append(args, "-R")
		}
		cmd = exec.Command(args[0], args[1:]...) // #nosec G204
	} else {
		cmd = exec.Command("sh", "-c", pagerCmd) // #nosec G204
	}

	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create pager pipe: %w", err)
	}
	go func() {
		defer stdin.Close()
		io.WriteString(stdin, text) //nolint:errcheck
	}()

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run pager: %w", err)
	}

	return nil
}

func writeLines(out io.Writer, lines []string) error {
	for _, line := range lines {
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}
	return nil
}

// displayRole is the label a record is shown under.
func displayRole(it item) string {
	rec := it.rec
	role := string(rec.Kind)
	if rec.Kind == model.EntryTypeUser && rec.IsToolResultOnly() {
		role = "tool"
	}
	if role == "" {
		role = "event"
	}
	return role
}

func printRecord(out io.Writer, it item, index int, render format.RenderOptions, useColor bool) {
	roleLabel := displayRole(it)
	suffix := ""
	if it.sidechain {
		suffix += " (side-chain)"
	}
	if it.synthetic {
		suffix += " (detached)"
	}

	ts := "-"
	if !it.rec.Timestamp.IsZero() {
		ts = it.rec.Timestamp.Format(time.RFC3339)
	}
	headerPlain := fmt.Sprintf("[#%03d] %s%s | %s", index, roleLabel, suffix, ts)

	indexText := fmt.Sprintf("#%03d", index)
	roleText := roleLabel + suffix
	tsText := ts
	separator := "|"

	if useColor {
		indexText = colorize(true, ansiBoldWhite, indexText)
		roleText = colorize(true, roleColor(roleLabel), roleText)
		tsText = colorize(true, ansiTimestamp, tsText)
		separator = colorize(true, ansiSeparator, "|")
	}

	header := fmt.Sprintf("[%s] %s %s %s", indexText, roleText, separator, tsText)
	fmt.Fprintln(out, header)
	fmt.Fprintln(out, strings.Repeat("-", len(headerPlain)))

	lines := format.RenderRecordLines(it.rec, render)
	if len(lines) == 0 {
		prefix := "|"
		if useColor {
			prefix = colorize(true, ansiSeparator, "|")
		}
		fmt.Fprintf(out, "%s %s\n", prefix, "(no content)")
		return
	}
	linePrefix := "| "
	emptyPrefix := "|"
	if useColor {
		separatorColor := colorize(true, ansiSeparator, "|")
		linePrefix = separatorColor + " "
		emptyPrefix = separatorColor
	}
	for _, line := range lines {
		if line == "" {
			fmt.Fprintln(out, emptyPrefix)
			continue
		}
		fmt.Fprintf(out, "%s%s\n", linePrefix, line)
	}
}

const (
	ansiReset     = "\x1b[0m"
	ansiBoldWhite = "\x1b[1;97m"
	ansiTimestamp = "\x1b[38;5;245m"
	ansiSeparator = "\x1b[38;5;240m"
	ansiAssistant = "\x1b[38;5;44m"
	ansiUser      = "\x1b[38;5;220m"
	ansiTool      = "\x1b[38;5;207m"
)

func colorize(enabled bool, code string, text string) string {
	if !enabled {
		return text
	}
	return code + text + ansiReset
}

func roleColor(role string) string {
	switch role {
	case "assistant":
		return ansiAssistant
	case "user":
		return ansiUser
	case "tool", "system":
		return ansiTool
	default:
		return ansiSeparator
	}
}

func resolveColorChoice(opts Options) bool {
	if opts.ForceColor {
		return true
	}
	if opts.ForceNoColor {
		return false
	}
	return shouldUseColorAuto(opts.Out)
}

func shouldUseColorAuto(out io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	file, ok := out.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func copyFile(dst io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &model.IOFailure{Path: path, Op: "open", Err: err}
	}
	defer f.Close() //nolint:errcheck

	_, err = io.Copy(dst, f)
	return err
}
