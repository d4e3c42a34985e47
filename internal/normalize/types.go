// Package normalize maps loosely structured client SDK payloads onto the
// two canonical event shapes the pipeline aggregates.
package normalize

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the detected category of a raw payload.
type Kind int

const (
	KindUnknown Kind = iota
	KindError
	KindPerformance
)

func (k Kind) String() string {
	switch k {
	case KindError:
		return "error"
	case KindPerformance:
		return "performance"
	}
	return "unknown"
}

// FrameType classifies where a stack frame lives in a Rails-style tree.
type FrameType string

const (
	FrameController FrameType = "controller"
	FrameModel      FrameType = "model"
	FrameService    FrameType = "service"
	FrameJob        FrameType = "job"
	FrameView       FrameType = "view"
	FrameHelper     FrameType = "helper"
	FrameMailer     FrameType = "mailer"
	FrameConcern    FrameType = "concern"
	FrameLibrary    FrameType = "library"
	FrameGem        FrameType = "gem"
	FrameUnknown    FrameType = "unknown"
)

// SourceContext holds the code lines around a frame, when the SDK sends them.
type SourceContext struct {
	Pre  []string `json:"pre,omitempty"`
	Line string   `json:"line,omitempty"`
	Post []string `json:"post,omitempty"`
}

// StackFrame is one parsed backtrace line.
type StackFrame struct {
	Raw           string         `json:"raw"`
	File          string         `json:"file,omitempty"`
	Line          int            `json:"line,omitempty"`
	Method        string         `json:"method,omitempty"`
	InApp         bool           `json:"in_app"`
	FrameType     FrameType      `json:"frame_type"`
	SourceContext *SourceContext `json:"source_context,omitempty"`
}

// Canonical renders the frame independent of the deploy directory, so the
// same code location always produces the same text.
func (f StackFrame) Canonical() string {
	if f.File == "" {
		return strings.TrimSpace(f.Raw)
	}
	s := f.File
	if f.Line > 0 {
		s = fmt.Sprintf("%s:%d", s, f.Line)
	}
	if f.Method != "" {
		s += ":in " + f.Method
	}
	return s
}

// ErrorEvent is a normalized exception occurrence.
type ErrorEvent struct {
	ExceptionClass   string            `json:"exception_class"`
	Message          string            `json:"message"`
	Backtrace        []StackFrame      `json:"backtrace,omitempty"`
	CulpritFrame     *StackFrame       `json:"culprit_frame,omitempty"`
	ControllerAction string            `json:"controller_action,omitempty"`
	Environment      string            `json:"environment"`
	OccurredAt       time.Time         `json:"occurred_at"`
	Context          map[string]any    `json:"context,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
	ProjectID        uint              `json:"project_id"`
	BatchID          string            `json:"batch_id,omitempty"`
}

// TopFrame is the canonical text of the first in-app frame, or "".
func (e *ErrorEvent) TopFrame() string {
	if e.CulpritFrame == nil {
		return ""
	}
	return e.CulpritFrame.Canonical()
}

// SQLQuery is one query executed while serving a request or job.
type SQLQuery struct {
	SQL        string  `json:"sql"`
	DurationMs float64 `json:"duration_ms,omitempty"`
}

// PerformanceEvent is a normalized timing sample for one request or job.
type PerformanceEvent struct {
	Target           string     `json:"target"`
	ControllerAction string     `json:"controller_action,omitempty"`
	JobClass         string     `json:"job_class,omitempty"`
	RequestPath      string     `json:"request_path,omitempty"`
	RequestID        string     `json:"request_id,omitempty"`
	DurationMs       float64    `json:"duration_ms"`
	DBDurationMs     *float64   `json:"db_duration_ms,omitempty"`
	ViewDurationMs   *float64   `json:"view_duration_ms,omitempty"`
	Allocations      *int64     `json:"allocations,omitempty"`
	SQLQueriesCount  *int64     `json:"sql_queries_count,omitempty"`
	SQLQueries       []SQLQuery `json:"sql_queries,omitempty"`
	Status           int        `json:"status,omitempty"`
	Error            bool       `json:"error,omitempty"`
	Environment      string     `json:"environment"`
	OccurredAt       time.Time  `json:"occurred_at"`
	ProjectID        uint       `json:"project_id"`
	BatchID          string     `json:"batch_id,omitempty"`
}

// Result is the outcome of classifying and normalizing one payload.
// Exactly one of Error and Performance is set.
type Result struct {
	Kind        Kind
	Error       *ErrorEvent
	Performance *PerformanceEvent
}
