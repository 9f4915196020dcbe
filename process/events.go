package process

import (
	"strconv"
	"strings"

	"github.com/google/shlex"
)

// Event is one structured line emitted by a monitored child:
//
//	@progress percent=42 processed=12.5 total=30.0
//	@device device=cpu dtype=float32 fallback=true reason="mps out of memory"
//
// Values may be quoted with shell rules.
type Event struct {
	Kind   string
	Fields map[string]string
}

const (
	KindProgress = "progress"
	KindDevice   = "device"
)

// ParseEvent parses a structured event line. Lines that do not start with
// '@' followed by a kind are not events.
func ParseEvent(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	if len(line) < 2 || line[0] != '@' {
		return Event{}, false
	}
	kind, rest, _ := strings.Cut(line[1:], " ")
	if !validKind(kind) {
		return Event{}, false
	}
	words, err := shlex.Split(rest)
	if err != nil {
		words = strings.Fields(rest)
	}
	ev := Event{Kind: kind, Fields: make(map[string]string, len(words))}
	for _, w := range words {
		k, v, ok := strings.Cut(w, "=")
		if !ok || k == "" {
			continue
		}
		ev.Fields[k] = v
	}
	return ev, true
}

func validKind(kind string) bool {
	if kind == "" {
		return false
	}
	for _, r := range kind {
		if (r < 'a' || r > 'z') && r != '_' {
			return false
		}
	}
	return true
}

func (e Event) Get(key string) string { return e.Fields[key] }

// Int returns an integer field. Fractional values are truncated.
func (e Event) Int(key string) (int, bool) {
	f, ok := e.Float(key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func (e Event) Float(key string) (float64, bool) {
	v, ok := e.Fields[key]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func (e Event) Bool(key string) bool {
	b, _ := strconv.ParseBool(e.Fields[key])
	return b
}
