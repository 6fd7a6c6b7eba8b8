package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
)

// printer renders command output. Colors are used only on a terminal.
type printer struct {
	w     io.Writer
	color bool

	title  lipgloss.Style
	header lipgloss.Style
	cell   lipgloss.Style
	good   lipgloss.Style
	bad    lipgloss.Style
	warn   lipgloss.Style
	muted  lipgloss.Style
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) && os.Getenv("NO_COLOR") == ""
}

func newPrinter(w io.Writer) *printer {
	r := lipgloss.NewRenderer(w)
	p := &printer{
		w:      w,
		color:  isTerminal(w),
		title:  r.NewStyle().Bold(true),
		header: r.NewStyle().Bold(true).Padding(0, 1),
		cell:   r.NewStyle().Padding(0, 1),
		good:   r.NewStyle(),
		bad:    r.NewStyle(),
		warn:   r.NewStyle(),
		muted:  r.NewStyle(),
	}
	if p.color {
		p.title = p.title.Foreground(lipgloss.Color("39"))
		p.header = p.header.Foreground(lipgloss.Color("212"))
		p.good = p.good.Foreground(lipgloss.Color("42"))
		p.bad = p.bad.Foreground(lipgloss.Color("196")).Bold(true)
		p.warn = p.warn.Foreground(lipgloss.Color("214"))
		p.muted = p.muted.Foreground(lipgloss.Color("241"))
	}
	return p
}

func (p *printer) heading(s string) {
	fmt.Fprintln(p.w, p.title.Render(s))
}

func (p *printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) table(header []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(p.w, p.muted.Render("(none)"))
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers(header...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.header
			}
			return p.cell
		})
	fmt.Fprintln(p.w, t.Render())
}

func (p *printer) verdict(ok bool) string {
	if ok {
		return p.good.Render("ok")
	}
	return p.bad.Render("FAIL")
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func percent(f float64) string { return strconv.FormatFloat(f*100, 'f', 2, 64) + "%" }

func probability(v *float64) string {
	if v == nil {
		return "undefined"
	}
	return strconv.FormatFloat(*v, 'e', 3, 64)
}
