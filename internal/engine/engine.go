// Package engine talks to the external PDF translation engine.
package engine

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNoOutput = errors.New("translation finished but no output file found")
	// ErrAccepted means the engine took the job and will report back through
	// the completion callback.
	ErrAccepted = errors.New("accepted for asynchronous processing")
)

type Request struct {
	JobID      string         `json:"job_id"`
	SourcePath string         `json:"source_path"`
	OutputDir  string         `json:"output_dir"`
	LangIn     string         `json:"lang_in"`
	LangOut    string         `json:"lang_out"`
	Settings   map[string]any `json:"settings"`
	// Progress, when set, receives 0-100 as the engine reports it.
	Progress func(pct int) `json:"-"`
}

type Result struct {
	MonoPath string `json:"mono_pdf_path,omitempty"`
	DualPath string `json:"dual_pdf_path,omitempty"`
	Error    string `json:"error,omitempty"`
	// Progress is only meaningful on intermediate callbacks.
	Progress *int `json:"progress,omitempty"`
}

// Final reports whether r carries an outcome rather than a progress update.
func (r *Result) Final() bool {
	return r == nil || r.Error != "" || r.MonoPath != "" || r.DualPath != "" || r.Progress == nil
}

func (r *Result) Failed() bool {
	return r == nil || r.Error != "" || (r.MonoPath == "" && r.DualPath == "")
}

// Reason returns a human readable failure reason for a failed result.
func (r *Result) Reason() string {
	switch {
	case r == nil:
		return "engine returned no result"
	case r.Error != "":
		return r.Error
	case r.MonoPath == "" && r.DualPath == "":
		return ErrNoOutput.Error()
	default:
		return ""
	}
}

type Engine interface {
	Translate(ctx context.Context, req Request) (*Result, error)
}

// NormalizeLang maps UI language names ("Simplified Chinese", "English")
// to the short codes the engine expects.
func NormalizeLang(lang, def string) string {
	lang = strings.TrimSpace(lang)
	switch {
	case lang == "":
		return def
	case strings.EqualFold(lang, "auto"):
		return "auto"
	case strings.Contains(strings.ToLower(lang), "chinese"):
		return "zh"
	case len(lang) > 2 && !strings.Contains(lang, "-"):
		return strings.ToLower(lang[:2])
	default:
		return strings.ToLower(lang)
	}
}
