// Package engine holds the transcription pipelines selectable by the
// "engine" request parameter.
package engine

import (
	"context"
	"fmt"
	"os"
	"strings"

	"mediascribe/config"
	"mediascribe/media"
	"mediascribe/process"
	"mediascribe/task"

	"go.uber.org/zap"
)

// Engine names accepted in the request parameters.
const (
	Whisper = "local"
	Qwen    = "qwen3_asr"
	Tingwu  = "tingwu"
	Doubao  = "doubao_asr"
)

// Fetcher acquires media referenced by a task.
type Fetcher interface {
	Fetch(ctx context.Context, ref, dir string, preferAudio bool, rep task.Reporter) (string, error)
	ResolveDirectURL(ctx context.Context, ref string, preferAudio bool, rep task.Reporter) (string, string, error)
}

// Transcoder produces the canonical 16 kHz mono waveform.
type Transcoder interface {
	ToWav16kMono(ctx context.Context, src, dir string, rep task.Reporter) (string, error)
}

// Admission refuses work when the host is short on resources.
type Admission interface {
	Check() error
}

// Runner runs a monitored child process.
type Runner interface {
	Run(ctx context.Context, spec process.Spec, rep task.Reporter) (*process.Result, error)
}

// Scratch creates the private working directory of one task run. The
// returned cleanup removes it and everything below.
func Scratch(prefix, taskID string, log *zap.Logger) (string, func(), error) {
	dir, err := os.MkdirTemp("", fmt.Sprintf("%s-%s-", prefix, shortID(taskID)))
	if err != nil {
		return "", nil, task.Wrap(task.KindInternal, err, "create scratch dir")
	}
	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("failed to remove scratch dir", zap.String("dir", dir), zap.Error(err))
		}
	}, nil
}

func orNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// localLanguage maps a source language for the local models. ok is false
// when the model should detect the language itself.
func localLanguage(source, def string) (lang string, ok bool) {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		def = strings.TrimSpace(def)
		return def, def != ""
	}
	switch source {
	case "cn", "zh-cn", "zh":
		return "zh", true
	case "auto":
		return "", false
	}
	return source, true
}

// WhisperLanguage resolves the --language argument for whisper.
func WhisperLanguage(source, def string) (string, bool) { return localLanguage(source, def) }

// QwenLanguage resolves the --language argument for Qwen3-ASR.
func QwenLanguage(source string) (string, bool) { return localLanguage(source, "zh") }

// Deps are the collaborators shared by the pipelines.
type Deps struct {
	Config    *config.Config
	Fetcher   Fetcher
	Converter Transcoder
	Guard     Admission
	Runner    Runner
	Publisher media.Publisher
	Tingwu    TingwuClient
	Doubao    DoubaoClient
	Log       *zap.Logger
}

// Pipelines builds every engine keyed by its request name.
func Pipelines(d Deps) map[string]task.Pipeline {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return map[string]task.Pipeline{
		Whisper: NewWhisperPipeline(d.Config, d.Fetcher, d.Guard, d.Runner, d.Log.Named(Whisper)),
		Qwen:    NewQwenPipeline(d.Config, d.Fetcher, d.Converter, d.Guard, d.Runner, d.Log.Named(Qwen)),
		Tingwu:  NewTingwuPipeline(d.Config, d.Fetcher, d.Tingwu, d.Log.Named(Tingwu)),
		Doubao:  NewDoubaoPipeline(d.Config, d.Fetcher, d.Converter, d.Publisher, d.Doubao, d.Log.Named(Doubao)),
	}
}
