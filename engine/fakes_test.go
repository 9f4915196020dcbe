package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mediascribe/config"
	"mediascribe/doubao"
	"mediascribe/process"
	"mediascribe/remote"
	"mediascribe/task"
	"mediascribe/tingwu"

	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		PythonBin:              "python3",
		WhisperScript:          "whisper.py",
		WhisperFormat:          "json",
		WhisperDefaultLanguage: "zh",
		QwenScript:             "qwen.py",
		TingwuPollInterval:     time.Millisecond,
		TingwuTimeout:          time.Minute,
		DoubaoPollInterval:     time.Millisecond,
		DoubaoTimeout:          time.Minute,
	}
}

func newJob(t *testing.T, engine, ref string, params task.Params) (*task.Registry, task.Job) {
	t.Helper()
	reg := task.NewRegistry()
	snap := reg.Create(engine)
	require.True(t, reg.Start(snap.ID))
	if params == nil {
		params = task.Params{}
	}
	return reg, task.Job{
		ID:       snap.ID,
		MediaRef: ref,
		Engine:   engine,
		Params:   params,
		Reporter: reg.Reporter(snap.ID),
	}
}

func snapshot(t *testing.T, reg *task.Registry, id string) task.Snapshot {
	t.Helper()
	snap, err := reg.Snapshot(id)
	require.NoError(t, err)
	return snap
}

type fakeFetcher struct {
	err        error
	resolved   string
	dirs       []string
	fetched    []string
	resolvedOf []string
	preferred  []bool
}

func (f *fakeFetcher) Fetch(_ context.Context, ref, dir string, preferAudio bool, rep task.Reporter) (string, error) {
	f.dirs = append(f.dirs, dir)
	f.fetched = append(f.fetched, ref)
	f.preferred = append(f.preferred, preferAudio)
	if f.err != nil {
		return "", f.err
	}
	p := filepath.Join(dir, "input.mp4")
	if err := os.WriteFile(p, []byte("media"), 0o644); err != nil {
		return "", err
	}
	rep.Report(100, "download completed")
	return p, nil
}

func (f *fakeFetcher) ResolveDirectURL(_ context.Context, ref string, _ bool, rep task.Reporter) (string, string, error) {
	f.resolvedOf = append(f.resolvedOf, ref)
	if f.err != nil {
		return "", "", f.err
	}
	rep.Report(100, "direct link resolved")
	return f.resolved, "m4a", nil
}

type fakeConverter struct {
	err error
	src string
}

func (f *fakeConverter) ToWav16kMono(_ context.Context, src, dir string, rep task.Reporter) (string, error) {
	f.src = src
	if f.err != nil {
		return "", f.err
	}
	out := filepath.Join(dir, "input_16k_mono.wav")
	if err := os.WriteFile(out, []byte("RIFF"), 0o644); err != nil {
		return "", err
	}
	rep.Report(100, "audio converted")
	return out, nil
}

type fakeGuard struct{ err error }

func (f fakeGuard) Check() error { return f.err }

// fakeRunner replays scripted events and ticks through the process.Spec callbacks.
type fakeRunner struct {
	events []process.Event
	ticks  []time.Duration
	before func(spec process.Spec)
	stdout string
	err    error

	calls int
	spec  process.Spec
}

func (f *fakeRunner) Run(_ context.Context, spec process.Spec, _ task.Reporter) (*process.Result, error) {
	f.calls++
	f.spec = spec
	if f.before != nil {
		f.before(spec)
	}
	for _, ev := range f.events {
		if spec.OnEvent != nil {
			spec.OnEvent(ev)
		}
	}
	for _, d := range f.ticks {
		if spec.OnTick != nil {
			spec.OnTick(d)
		}
	}
	return &process.Result{Stdout: f.stdout}, f.err
}

type fakeVendor struct {
	mu       sync.Mutex
	statuses []remote.Status
}

func (v *fakeVendor) Name() string { return "fake" }

func (v *fakeVendor) Submit(context.Context) (string, error) { return "remote-1", nil }

func (v *fakeVendor) Poll(context.Context, string) (remote.Status, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.statuses[0]
	if len(v.statuses) > 1 {
		v.statuses = v.statuses[1:]
	}
	return st, nil
}

func succeeding(text string) *fakeVendor {
	return &fakeVendor{statuses: []remote.Status{
		{State: remote.InProgress},
		{State: remote.Succeeded, Text: text},
	}}
}

type fakeTingwu struct {
	checkErr error
	vendor   remote.Vendor
	url      string
	opts     tingwu.Options
}

func (f *fakeTingwu) Check() error { return f.checkErr }

func (f *fakeTingwu) Job(fileURL string, opts tingwu.Options) (remote.Vendor, error) {
	f.url, f.opts = fileURL, opts
	return f.vendor, nil
}

type fakeDoubao struct {
	checkErr error
	vendor   remote.Vendor
	req      doubao.Request
}

func (f *fakeDoubao) Check() error { return f.checkErr }

func (f *fakeDoubao) Job(req doubao.Request) (remote.Vendor, error) {
	f.req = req
	return f.vendor, nil
}

type fakePublisher struct {
	file    string
	content string
}

func (f *fakePublisher) Publish(_ context.Context, localFile, taskID string) (string, error) {
	f.file = localFile
	data, err := os.ReadFile(localFile)
	if err != nil {
		return "", err
	}
	f.content = string(data)
	return "https://public.example.com/api/public-media/" + taskID[:8] + "-x.wav?expires=1&sign=s", nil
}
