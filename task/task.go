package task

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusRunning  Status = "RUNNING"
	StatusSuccess  Status = "SUCCESS"
	StatusFailed   Status = "FAILED"
	StatusCanceled Status = "CANCELED"

	// StatusCanceling is never stored. It is reported by RequestCancel for a
	// live task whose cancel flag has just been raised.
	StatusCanceling Status = "CANCELING"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Snapshot is a point-in-time copy of a task record.
type Snapshot struct {
	ID              string    `json:"taskId"`
	Engine          string    `json:"engine"`
	Status          Status    `json:"status"`
	Progress        int       `json:"progress"`
	Stage           string    `json:"stage"`
	CancelRequested bool      `json:"cancelRequested"`
	Code            int       `json:"code"`
	Content         string    `json:"content"`
	Detail          *string   `json:"detail"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	ProcessTime     float64   `json:"processTime"`
}

type record struct {
	Snapshot
	cancel context.CancelFunc
}

// Outcome is the single terminal write applied by Finish.
type Outcome struct {
	Status  Status
	Code    int
	Content string
	Detail  string
}

// Params carries the free-form request parameters of a task.
type Params map[string]any

// String returns the trimmed textual value of key, or "" when absent.
func (p Params) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// Job is what a pipeline receives for one task.
type Job struct {
	ID       string
	MediaRef string
	Engine   string
	Params   Params
	Reporter Reporter
}
