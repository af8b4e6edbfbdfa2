package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const maxProgressLine = 4096

// progressRe matches "42%" as printed by progress bars and "progress: 42".
var progressRe = regexp.MustCompile(`(?i)(?:progress[:=]\s*(\d{1,3})|(\d{1,3})(?:\.\d+)?\s*%)`)

// CommandEngine runs a local engine binary once per job and picks the
// artifacts out of the output directory afterwards (*mono.pdf, *dual.pdf).
type CommandEngine struct {
	Command string
	Args    []string
}

func NewCommandEngine(command string) *CommandEngine {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return &CommandEngine{}
	}
	return &CommandEngine{Command: fields[0], Args: fields[1:]}
}

func (e *CommandEngine) Translate(ctx context.Context, r Request) (*Result, error) {
	if e.Command == "" {
		return nil, fmt.Errorf("engine command is not configured")
	}

	settings, err := json.Marshal(r.Settings)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}

	args := append([]string{}, e.Args...)
	args = append(args,
		r.SourcePath,
		"--output", r.OutputDir,
		"--lang-in", r.LangIn,
		"--lang-out", r.LangOut,
	)

	cmd := exec.CommandContext(ctx, e.Command, args...)
	cmd.Env = append(os.Environ(), "PDF_TRANSLATOR_SETTINGS="+string(settings))
	cmd.WaitDelay = 5 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = NewProgressWriter(r.Progress)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &Result{Error: fmt.Sprintf("engine exited: %v: %s", err, lastLine(stderr.String()))}, nil
	}

	return ScanOutputDir(r.OutputDir)
}

func ScanOutputDir(dir string) (*Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read output dir: %w", err)
	}
	var res Result
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := strings.ToLower(ent.Name())
		switch {
		case strings.HasSuffix(name, "mono.pdf"):
			res.MonoPath = filepath.Join(dir, ent.Name())
		case strings.HasSuffix(name, "dual.pdf"):
			res.DualPath = filepath.Join(dir, ent.Name())
		}
	}
	return &res, nil
}

// ProgressWriter parses engine output written to it and calls report
// whenever the percentage changes. Carriage returns end a line as well.
type ProgressWriter struct {
	report func(int)
	buf    []byte
	last   int
}

func NewProgressWriter(report func(int)) io.Writer {
	if report == nil {
		return io.Discard
	}
	return &ProgressWriter{report: report, last: -1}
}

func (w *ProgressWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexAny(w.buf, "\r\n")
		if i < 0 {
			break
		}
		w.line(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	// a bar that never ends its line must not grow the buffer forever
	if len(w.buf) > maxProgressLine {
		w.line(string(w.buf))
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

func (w *ProgressWriter) line(s string) {
	if pct, ok := ParseProgress(s); ok && pct != w.last {
		w.last = pct
		w.report(pct)
	}
}

// ParseProgress returns the last percentage on the line, clamped to 0-100.
func ParseProgress(line string) (int, bool) {
	m := progressRe.FindAllStringSubmatch(line, -1)
	if len(m) == 0 {
		return 0, false
	}
	last := m[len(m)-1]
	digits := last[1]
	if digits == "" {
		digits = last[2]
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return min(max(n, 0), 100), true
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
