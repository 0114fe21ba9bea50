package fixer

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"
)

// PrintPreviousLog implements the installer's printPreviousLog option
// (spec §6.3; shape supplemented from original_source's
// FYCrashMonitor_AppState.c / FYLogger.h banner-then-echo behavior). It
// writes a banner naming whether the previous launch crashed, then echoes
// consoleLog line by line, colorized the way netspy's
// pkg/watch/display.go colorizes its own status banners and wrapped to
// the terminal width the way pkg/output/terminal.go wraps table output.
func PrintPreviousLog(w io.Writer, crashedLastLaunch bool, consoleLog string) {
	banner := color.New(color.FgGreen, color.Bold).Sprint("previous launch: clean exit")
	if crashedLastLaunch {
		banner = color.New(color.FgRed, color.Bold).Sprint("previous launch: crashed")
	}
	fmt.Fprintln(w, banner)

	if consoleLog == "" {
		return
	}
	fmt.Fprintln(w, color.New(color.Faint).Sprint("--- previous console log ---"))

	width := terminalWidth(w)
	for _, line := range splitLines(consoleLog) {
		for _, wrapped := range wrapToWidth(line, width) {
			fmt.Fprintln(w, wrapped)
		}
	}
}

// terminalWidth reports w's terminal column width when w is a terminal
// file descriptor, falling back to a conservative default otherwise (a
// pipe, a file, or a non-Unix-like console has no queryable width).
func terminalWidth(w io.Writer) int {
	const fallback = 80
	f, ok := w.(*os.File)
	if !ok {
		return fallback
	}
	cols, _, err := term.GetSize(int(f.Fd()))
	if err != nil || cols <= 0 {
		return fallback
	}
	return cols
}

// wrapToWidth breaks line into display-width chunks of at most width
// columns, measuring with runewidth so multi-column runes don't overrun
// the terminal the way a byte-length split would.
func wrapToWidth(line string, width int) []string {
	if width <= 0 || runewidth.StringWidth(line) <= width {
		return []string{line}
	}

	var chunks []string
	var cur []rune
	curWidth := 0
	for _, r := range line {
		rw := runewidth.RuneWidth(r)
		if curWidth+rw > width && len(cur) > 0 {
			chunks = append(chunks, string(cur))
			cur = cur[:0]
			curWidth = 0
		}
		cur = append(cur, r)
		curWidth += rw
	}
	if len(cur) > 0 {
		chunks = append(chunks, string(cur))
	}
	return chunks
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
