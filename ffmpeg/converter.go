package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mediascribe/config"
	"mediascribe/process"
	"mediascribe/task"

	"go.uber.org/zap"
)

// Converter resamples media to the canonical waveform the inference
// backends expect: 16 kHz, mono, 16-bit PCM WAV.
type Converter struct {
	cfg     *config.Config
	monitor *process.Monitor
	log     *zap.Logger
}

func NewConverter(cfg *config.Config, monitor *process.Monitor, log *zap.Logger) *Converter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Converter{cfg: cfg, monitor: monitor, log: log}
}

// Args returns the ffmpeg arguments converting src into out.
func Args(src, out string) []string {
	return []string{
		"-hide_banner", "-nostdin", "-loglevel", "error",
		"-y", "-i", src,
		"-vn", "-ac", "1", "-ar", "16000", "-c:a", "pcm_s16le",
		out,
	}
}

// ToWav16kMono converts src into dir/<name>_16k_mono.wav. A missing or empty
// output file after ffmpeg exits is a failure.
func (c *Converter) ToWav16kMono(ctx context.Context, src, dir string, rep task.Reporter) (string, error) {
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	out := filepath.Join(dir, base+"_16k_mono.wav")
	if out == src {
		out = filepath.Join(dir, base+"_16k_mono_converted.wav")
	}

	rep.Mark("converting audio to 16k mono wav")
	c.log.Debug("converting media", zap.String("task_id", rep.TaskID()), zap.String("src", src), zap.String("out", out))

	_, err := c.monitor.Run(ctx, process.Spec{
		Name:    "ffmpeg",
		Binary:  c.cfg.FFBin,
		Args:    Args(src, out),
		Timeout: c.cfg.FFTimeout,
	}, rep)
	if err != nil {
		_ = os.Remove(out)
		return "", err
	}

	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(out)
		return "", task.Errorf(task.KindProcess, "audio conversion produced no output: %s", filepath.Base(out))
	}
	rep.Report(100, fmt.Sprintf("audio converted (%s)", humanBytes(info.Size())))
	return out, nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
