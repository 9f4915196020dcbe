package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mediascribe/process"
	"mediascribe/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWhisperText(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		format string
		want   string
		kind   task.Kind
	}{
		{"segments joined", `{"text":"ignored","segments":[{"text":" hello"},{"text":" world"}]}`, "json", "hello world", 0},
		{"text fallback", `{"text":" plain ","segments":[]}`, "json", "plain", 0},
		{"txt format", "  line one\nline two  ", "txt", "line one\nline two", 0},
		{"empty output", "  ", "json", "", task.KindEmptyResult},
		{"bad json", "{not json", "json", "", task.KindProcess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := WhisperText(tt.stdout, tt.format)
			if tt.kind != 0 {
				require.Error(t, err)
				assert.Equal(t, tt.kind, task.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWhisperPipeline_Run(t *testing.T) {
	fetch := &fakeFetcher{}
	runner := &fakeRunner{
		events: []process.Event{
			{Kind: process.KindProgress, Fields: map[string]string{"percent": "50", "processed": "1", "total": "2"}},
			{Kind: process.KindDevice, Fields: map[string]string{"device": "cpu"}},
		},
		stdout: `{"segments":[{"text":"你好"},{"text":"世界"}]}`,
	}
	p := NewWhisperPipeline(testConfig(), fetch, fakeGuard{}, runner, zaptest.NewLogger(t))
	reg, job := newJob(t, Whisper, "https://example.com/v.mp4", task.Params{"sourceLanguage": "cn"})

	text, err := p.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "你好世界", text)

	require.Len(t, fetch.dirs, 1)
	assert.Equal(t, []bool{false}, fetch.preferred)
	assert.Equal(t, "python3", runner.spec.Binary)
	assert.Equal(t, []string{"whisper.py", filepath.Join(fetch.dirs[0], "input.mp4"), "--format", "json", "--language", "zh"}, runner.spec.Args)

	snap := snapshot(t, reg, job.ID)
	assert.Equal(t, 65, snap.Progress)
	assert.Equal(t, "whisper transcribing 50% (1.0s/2.0s)", snap.Stage)

	_, err = os.Stat(fetch.dirs[0])
	assert.True(t, os.IsNotExist(err), "scratch dir must be removed")
}

func TestWhisperPipeline_AutoLanguageAndExtraArgs(t *testing.T) {
	cfg := testConfig()
	cfg.WhisperExtraArgs = "--model turbo --beam_size 5"
	runner := &fakeRunner{stdout: `{"text":"ok"}`}
	p := NewWhisperPipeline(cfg, &fakeFetcher{}, fakeGuard{}, runner, zaptest.NewLogger(t))
	_, job := newJob(t, Whisper, "https://example.com/v.mp4", task.Params{"sourceLanguage": "auto"})

	_, err := p.Run(context.Background(), job)
	require.NoError(t, err)
	assert.NotContains(t, runner.spec.Args, "--language")
	assert.Equal(t, []string{"--model", "turbo", "--beam_size", "5"}, runner.spec.Args[4:])
}

func TestWhisperPipeline_ReservedExtraArgs(t *testing.T) {
	cfg := testConfig()
	cfg.WhisperExtraArgs = "--format txt"
	runner := &fakeRunner{}
	p := NewWhisperPipeline(cfg, &fakeFetcher{}, fakeGuard{}, runner, zaptest.NewLogger(t))
	_, job := newJob(t, Whisper, "https://example.com/v.mp4", nil)

	_, err := p.Run(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, task.KindConfiguration, task.KindOf(err))
	assert.Zero(t, runner.calls)
}

func TestWhisperPipeline_ResourceGuard(t *testing.T) {
	runner := &fakeRunner{}
	guard := fakeGuard{err: task.Errorf(task.KindResource, "insufficient memory")}
	fetch := &fakeFetcher{}
	p := NewWhisperPipeline(testConfig(), fetch, guard, runner, zaptest.NewLogger(t))
	_, job := newJob(t, Whisper, "https://example.com/v.mp4", nil)

	_, err := p.Run(context.Background(), job)
	assert.Equal(t, 503, task.KindOf(err).Code())
	assert.Zero(t, runner.calls)
	_, statErr := os.Stat(fetch.dirs[0])
	assert.True(t, os.IsNotExist(statErr))
}

func TestWhisperPipeline_CanceledBeforeInference(t *testing.T) {
	runner := &fakeRunner{}
	p := NewWhisperPipeline(testConfig(), &fakeFetcher{}, fakeGuard{}, runner, zaptest.NewLogger(t))
	reg, job := newJob(t, Whisper, "https://example.com/v.mp4", nil)
	_, err := reg.RequestCancel(job.ID)
	require.NoError(t, err)

	_, err = p.Run(context.Background(), job)
	assert.ErrorIs(t, err, task.ErrCanceled)
	assert.Zero(t, runner.calls)
}

func TestWhisperPipeline_DownloadFailure(t *testing.T) {
	fetch := &fakeFetcher{err: task.Errorf(task.KindTransientNetwork, "direct download failed after 3 attempt(s)")}
	p := NewWhisperPipeline(testConfig(), fetch, fakeGuard{}, &fakeRunner{}, zaptest.NewLogger(t))
	_, job := newJob(t, Whisper, "https://example.com/missing.mp4", nil)

	_, err := p.Run(context.Background(), job)
	assert.Equal(t, task.KindTransientNetwork, task.KindOf(err))
}

func TestQwenPipeline_Run(t *testing.T) {
	conv := &fakeConverter{}
	fetch := &fakeFetcher{}
	runner := &fakeRunner{
		events: []process.Event{
			{Kind: process.KindDevice, Fields: map[string]string{"device": "cuda", "dtype": "float16"}},
		},
		ticks:  []time.Duration{10 * time.Second},
		stdout: "transcribed text",
	}
	p := NewQwenPipeline(testConfig(), fetch, conv, fakeGuard{}, runner, zaptest.NewLogger(t))
	reg, job := newJob(t, Qwen, "https://example.com/v.mp4", nil)

	text, err := p.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "transcribed text", text)

	dir := fetch.dirs[0]
	assert.Equal(t, filepath.Join(dir, "input.mp4"), conv.src)
	assert.Equal(t, []string{
		"qwen.py", filepath.Join(dir, "input_16k_mono.wav"),
		"--device-meta", filepath.Join(dir, qwenDeviceMeta),
		"--language", "zh",
	}, runner.spec.Args)

	snap := snapshot(t, reg, job.ID)
	assert.Equal(t, 50, snap.Progress)
	assert.Equal(t, "Qwen3-ASR transcribing (device: cuda/float16)", snap.Stage)
}

func TestQwenPipeline_DeviceMetaFile(t *testing.T) {
	runner := &fakeRunner{
		before: func(spec process.Spec) {
			_ = os.WriteFile(filepath.Join(spec.Dir, qwenDeviceMeta), []byte(`{"device":"cpu","dtype":"float32","fallback":true}`), 0o644)
		},
		ticks:  []time.Duration{time.Hour},
		stdout: "text",
	}
	p := NewQwenPipeline(testConfig(), &fakeFetcher{}, &fakeConverter{}, fakeGuard{}, runner, zaptest.NewLogger(t))
	reg, job := newJob(t, Qwen, "https://example.com/v.mp4", task.Params{"sourceLanguage": "auto"})

	_, err := p.Run(context.Background(), job)
	require.NoError(t, err)
	assert.NotContains(t, runner.spec.Args, "--language")

	snap := snapshot(t, reg, job.ID)
	assert.Equal(t, 95, snap.Progress)
	assert.Equal(t, "Qwen3-ASR transcribing (device: cpu/float32 (fallback))", snap.Stage)
}

func TestQwenPipeline_ConversionFailure(t *testing.T) {
	runner := &fakeRunner{}
	conv := &fakeConverter{err: task.Errorf(task.KindProcess, "audio conversion produced no output")}
	p := NewQwenPipeline(testConfig(), &fakeFetcher{}, conv, fakeGuard{}, runner, zaptest.NewLogger(t))
	_, job := newJob(t, Qwen, "https://example.com/v.mp4", nil)

	_, err := p.Run(context.Background(), job)
	assert.Equal(t, task.KindProcess, task.KindOf(err))
	assert.Zero(t, runner.calls)
}

func TestQwenPipeline_EmptyOutput(t *testing.T) {
	p := NewQwenPipeline(testConfig(), &fakeFetcher{}, &fakeConverter{}, fakeGuard{}, &fakeRunner{}, zaptest.NewLogger(t))
	_, job := newJob(t, Qwen, "https://example.com/v.mp4", nil)

	_, err := p.Run(context.Background(), job)
	assert.Equal(t, task.KindEmptyResult, task.KindOf(err))
}

func TestDeviceDescription(t *testing.T) {
	assert.Equal(t, "", DeviceDescription(" ", "float16", false))
	assert.Equal(t, "device: mps", DeviceDescription("mps", "", false))
	assert.Equal(t, "device: cpu/float32 (fallback)", DeviceDescription("cpu", "float32", true))
}
