package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mediascribe/config"
	"mediascribe/ffmpeg"
	"mediascribe/process"
	"mediascribe/task"

	"go.uber.org/zap"
)

const (
	qwenDeviceMeta = "qwen_device_meta.json"
	qwenScale      = 2 * time.Second
)

// QwenPipeline downloads the media, converts it to 16k mono wav and
// transcribes it with the local Qwen3-ASR script.
type QwenPipeline struct {
	cfg     *config.Config
	fetch   Fetcher
	convert Transcoder
	guard   Admission
	runner  Runner
	log     *zap.Logger
	scratch func(prefix, taskID string, log *zap.Logger) (string, func(), error)
}

func NewQwenPipeline(cfg *config.Config, fetch Fetcher, convert Transcoder, guard Admission, runner Runner, log *zap.Logger) *QwenPipeline {
	return &QwenPipeline{cfg: cfg, fetch: fetch, convert: convert, guard: guard, runner: runner, log: orNop(log), scratch: Scratch}
}

func (p *QwenPipeline) Run(ctx context.Context, job task.Job) (string, error) {
	rep := job.Reporter
	dir, cleanup, err := p.scratch("qwen-job", job.ID, p.log)
	if err != nil {
		return "", err
	}
	defer cleanup()

	rep.Report(10, "downloading media")
	local, err := p.fetch.Fetch(ctx, job.MediaRef, dir, false, rep.Span(10, 30))
	if err != nil {
		return "", err
	}

	rep.Report(30, "media downloaded, converting audio")
	wav, err := p.convert.ToWav16kMono(ctx, local, dir, rep.Span(30, 40))
	if err != nil {
		return "", err
	}

	if err := p.guard.Check(); err != nil {
		return "", err
	}
	if err := rep.Check(); err != nil {
		return "", err
	}

	metaPath := filepath.Join(dir, qwenDeviceMeta)
	args, err := p.args(wav, metaPath, job.Params)
	if err != nil {
		return "", err
	}

	span := rep.Span(45, 95)
	stage := "audio converted, Qwen3-ASR transcribing"
	span.Mark(stage)

	var device string
	stageFor := func() string {
		if device == "" {
			return "Qwen3-ASR transcribing"
		}
		return fmt.Sprintf("Qwen3-ASR transcribing (%s)", device)
	}
	res, err := p.runner.Run(ctx, process.Spec{
		Name:   "qwen3-asr",
		Binary: p.cfg.PythonBin,
		Args:   args,
		Dir:    dir,
		OnEvent: func(ev process.Event) {
			if ev.Kind == process.KindDevice && device == "" {
				device = DeviceDescription(ev.Get("device"), ev.Get("dtype"), ev.Bool("fallback"))
			}
		},
		OnTick: func(elapsed time.Duration) {
			if device == "" {
				device = readDeviceMeta(metaPath)
			}
			span.Elapsed(elapsed, qwenScale, stageFor())
		},
	}, rep)
	if err != nil {
		return "", err
	}
	if res.Stdout == "" {
		return "", task.Errorf(task.KindEmptyResult, "Qwen3-ASR returned no output")
	}
	return res.Stdout, nil
}

func (p *QwenPipeline) args(wav, metaPath string, params task.Params) ([]string, error) {
	args := []string{p.cfg.QwenScript, wav, "--device-meta", metaPath}
	if lang, ok := QwenLanguage(params.String("sourceLanguage")); ok {
		args = append(args, "--language", lang)
	}
	extra, err := ffmpeg.ExtraArgs(p.cfg.QwenExtraArgs, "--language", "--device-meta")
	if err != nil {
		return nil, task.Wrap(task.KindConfiguration, err, "QWEN_EXTRA_ARGS")
	}
	return append(args, extra...), nil
}

// DeviceDescription renders the inference device for the stage text.
func DeviceDescription(device, dtype string, fallback bool) string {
	device = strings.TrimSpace(device)
	if device == "" {
		return ""
	}
	desc := "device: " + device
	if dtype = strings.TrimSpace(dtype); dtype != "" {
		desc += "/" + dtype
	}
	if fallback {
		desc += " (fallback)"
	}
	return desc
}

type deviceMeta struct {
	Device   string `json:"device"`
	Dtype    string `json:"dtype"`
	Fallback bool   `json:"fallback"`
}

// readDeviceMeta reads the metadata file the script writes once its model
// is loaded. Missing or partial files yield "".
func readDeviceMeta(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var m deviceMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return ""
	}
	return DeviceDescription(m.Device, m.Dtype, m.Fallback)
}
