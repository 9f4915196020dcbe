package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"mediascribe/config"
	"mediascribe/ffmpeg"
	"mediascribe/process"
	"mediascribe/task"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// WhisperPipeline downloads the media and transcribes it with the local
// whisper script.
type WhisperPipeline struct {
	cfg     *config.Config
	fetch   Fetcher
	guard   Admission
	runner  Runner
	log     *zap.Logger
	scratch func(prefix, taskID string, log *zap.Logger) (string, func(), error)
}

func NewWhisperPipeline(cfg *config.Config, fetch Fetcher, guard Admission, runner Runner, log *zap.Logger) *WhisperPipeline {
	return &WhisperPipeline{cfg: cfg, fetch: fetch, guard: guard, runner: runner, log: orNop(log), scratch: Scratch}
}

func (p *WhisperPipeline) Run(ctx context.Context, job task.Job) (string, error) {
	rep := job.Reporter
	dir, cleanup, err := p.scratch("whisper-job", job.ID, p.log)
	if err != nil {
		return "", err
	}
	defer cleanup()

	rep.Report(10, "downloading media")
	local, err := p.fetch.Fetch(ctx, job.MediaRef, dir, false, rep.Span(10, 30))
	if err != nil {
		return "", err
	}
	rep.Report(30, "media downloaded, preparing transcription")

	if err := p.guard.Check(); err != nil {
		return "", err
	}
	if err := rep.Check(); err != nil {
		return "", err
	}

	args, err := p.args(local, job.Params)
	if err != nil {
		return "", err
	}
	span := rep.Span(35, 95)
	span.Mark("whisper transcribing")
	res, err := p.runner.Run(ctx, process.Spec{
		Name:   "whisper",
		Binary: p.cfg.PythonBin,
		Args:   args,
		Dir:    dir,
		OnEvent: func(ev process.Event) {
			if ev.Kind != process.KindProgress {
				return
			}
			if pct, ok := ev.Int("percent"); ok {
				span.Report(pct, whisperStage(pct, ev))
			}
		},
	}, rep)
	if err != nil {
		return "", err
	}
	return WhisperText(res.Stdout, p.cfg.WhisperFormat)
}

func (p *WhisperPipeline) args(input string, params task.Params) ([]string, error) {
	args := []string{p.cfg.WhisperScript, input, "--format", p.cfg.WhisperFormat}
	if lang, ok := WhisperLanguage(params.String("sourceLanguage"), p.cfg.WhisperDefaultLanguage); ok {
		args = append(args, "--language", lang)
	}
	extra, err := ffmpeg.ExtraArgs(p.cfg.WhisperExtraArgs, "--format", "--language")
	if err != nil {
		return nil, task.Wrap(task.KindConfiguration, err, "WHISPER_EXTRA_ARGS")
	}
	return append(args, extra...), nil
}

func whisperStage(pct int, ev process.Event) string {
	stage := fmt.Sprintf("whisper transcribing %d%%", pct)
	processed, okP := ev.Float("processed")
	total, okT := ev.Float("total")
	if okP && okT {
		stage += fmt.Sprintf(" (%.1fs/%.1fs)", processed, total)
	}
	return stage
}

type whisperSegment struct {
	Text string `json:"text"`
}

type whisperResult struct {
	Text     string           `json:"text"`
	Segments []whisperSegment `json:"segments"`
}

// WhisperText extracts the transcript from whisper output. JSON output is
// the concatenation of its segments, falling back to the top-level text.
func WhisperText(stdout, format string) (string, error) {
	stdout = strings.TrimSpace(stdout)
	if stdout == "" {
		return "", task.Errorf(task.KindEmptyResult, "whisper returned no output")
	}
	if format != "json" {
		return stdout, nil
	}
	var r whisperResult
	if err := json.Unmarshal([]byte(stdout), &r); err != nil {
		return "", task.Wrap(task.KindProcess, err, "parse whisper json output")
	}
	if len(r.Segments) > 0 {
		return strings.TrimSpace(strings.Join(lo.Map(r.Segments, func(s whisperSegment, _ int) string {
			return s.Text
		}), "")), nil
	}
	return strings.TrimSpace(r.Text), nil
}
