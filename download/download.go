// Package download acquires remote media into a task's scratch directory.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"mediascribe/config"
	"mediascribe/process"
	"mediascribe/task"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

var extractorHosts = []string{"youtu.be", "youtube.com", "www.youtube.com", "m.youtube.com"}

var vendorFormats = []string{"wav", "mp3", "ogg", "raw"}

// IsExtractorURL reports whether ref must be resolved through the video
// extractor instead of being fetched directly.
func IsExtractorURL(ref string) bool {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return false
	}
	return lo.Contains(extractorHosts, strings.ToLower(u.Hostname()))
}

// FormatFromURL returns the audio format named by the URL's extension, or
// def when it is not one the ASR vendors accept.
func FormatFromURL(ref, def string) string {
	ext := extOf(ref)
	if lo.Contains(vendorFormats, ext) {
		return ext
	}
	return def
}

func extOf(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), "."))
}

// Downloader fetches media either through yt-dlp or with a plain HTTP GET.
type Downloader struct {
	cfg     *config.Config
	monitor *process.Monitor
	client  *http.Client
	log     *zap.Logger
}

func NewDownloader(cfg *config.Config, monitor *process.Monitor, log *zap.Logger) *Downloader {
	if log == nil {
		log = zap.NewNop()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.DownloadTimeout
	return &Downloader{
		cfg:     cfg,
		monitor: monitor,
		client:  &http.Client{Transport: transport},
		log:     log,
	}
}

// WithHTTPClient replaces the client used for direct downloads.
func (d *Downloader) WithHTTPClient(c *http.Client) *Downloader {
	d.client = c
	return d
}

func (d *Downloader) policy(rep task.Reporter, what string) retryPolicy {
	return retryPolicy{
		Attempts: d.cfg.DownloadAttempts,
		Step:     d.cfg.DownloadBackoff,
		OnRetry: func(next int, err error, wait time.Duration) {
			d.log.Warn("retrying "+what,
				zap.String("task_id", rep.TaskID()),
				zap.Int("attempt", next),
				zap.Duration("wait", wait),
				zap.Error(err))
			rep.Report(10, fmt.Sprintf("%s retry (%d/%d)", what, next, max(d.cfg.DownloadAttempts, 1)))
		},
	}
}

// Fetch stores ref under dir and returns the local path. Progress is
// reported as a 0-100 share of rep.
func (d *Downloader) Fetch(ctx context.Context, ref, dir string, preferAudio bool, rep task.Reporter) (string, error) {
	what := "download"
	fetch := func(attempt int) (string, error) { return d.fetchDirect(ctx, ref, dir, rep) }
	if IsExtractorURL(ref) {
		what = "extractor download"
		fetch = func(attempt int) (string, error) { return d.fetchExtractor(ctx, ref, dir, preferAudio, rep) }
	}

	rep.Mark("downloading media")
	local, attempts, err := retry(ctx, d.policy(rep, what), rep, fetch)
	if err != nil {
		if errors.Is(err, task.ErrCanceled) {
			return "", err
		}
		return "", task.Wrap(task.KindOf(err), err, "%s failed after %d attempt(s)", what, attempts)
	}
	rep.Report(100, "download finished")
	return local, nil
}

func (d *Downloader) fetchDirect(ctx context.Context, ref, dir string, rep task.Reporter) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", task.Wrap(task.KindInvalidInput, err, "invalid media url")
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", task.Wrap(task.KindTransientNetwork, err, "request %s", redact(ref))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", task.Errorf(task.KindTransientNetwork, "failed to download file, status: %s", resp.Status)
	}
	if d.cfg.MaxInputSize > 0 && resp.ContentLength > d.cfg.MaxInputSize {
		return "", task.Errorf(task.KindInvalidInput, "input file size %d exceeds limit of %d bytes", resp.ContentLength, d.cfg.MaxInputSize)
	}

	suffix := path.Ext(req.URL.Path)
	if suffix == "" || len(suffix) > 10 {
		suffix = ".mp4"
	}
	target := filepath.Join(dir, "input"+strings.ToLower(suffix))
	f, err := os.Create(target)
	if err != nil {
		return "", task.Wrap(task.KindInternal, err, "create %s", target)
	}
	defer f.Close()

	chunk := d.cfg.DownloadChunkSize
	if chunk <= 0 {
		chunk = 1 << 20
	}
	buf := make([]byte, chunk)
	total := resp.ContentLength
	var written int64
	for {
		if err := rep.Check(); err != nil {
			return "", err
		}
		n, rerr := io.ReadFull(resp.Body, buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return "", task.Wrap(task.KindInternal, err, "failed to write downloaded file")
			}
			written += int64(n)
			if d.cfg.MaxInputSize > 0 && written > d.cfg.MaxInputSize {
				return "", task.Errorf(task.KindInvalidInput, "input file size exceeds limit of %d bytes", d.cfg.MaxInputSize)
			}
			if total > 0 {
				pct := int(written * 100 / total)
				rep.Report(pct, fmt.Sprintf("downloading %d%%", pct))
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			if rep.Canceled() {
				return "", task.ErrCanceled
			}
			return "", task.Wrap(task.KindTransientNetwork, rerr, "read response body")
		}
	}
	if total > 0 && written < total {
		return "", task.Errorf(task.KindTransientNetwork, "download truncated at %d of %d bytes", written, total)
	}
	if err := f.Close(); err != nil {
		return "", task.Wrap(task.KindInternal, err, "close %s", target)
	}
	return target, nil
}

// extractorCommand returns yt-dlp, falling back to `python -m yt_dlp` when
// the binary is not on PATH.
func (d *Downloader) extractorCommand() (string, []string) {
	if _, err := exec.LookPath(d.cfg.YtDlpBin); err == nil {
		return d.cfg.YtDlpBin, nil
	}
	return d.cfg.PythonBin, []string{"-m", "yt_dlp"}
}

const progressTemplate = "download:@progress downloaded=%(progress.downloaded_bytes)s " +
	"total=%(progress.total_bytes,progress.total_bytes_estimate)s " +
	"speed=%(progress.speed)s eta=%(progress.eta)s"

func (d *Downloader) extractorArgs(ref, dir string, preferAudio bool) []string {
	args := []string{
		"--no-playlist", "--newline", "--progress", "--no-simulate",
		"--progress-template", progressTemplate,
		"--print", "after_move:filepath",
		"--socket-timeout", "30",
		"--retries", "10",
		"--fragment-retries", "10",
		"--extractor-retries", "5",
		"--concurrent-fragments", "1",
		"--force-ipv4",
		"-o", filepath.Join(dir, "%(id)s.%(ext)s"),
	}
	if strings.ContainsRune(d.cfg.FFBin, os.PathSeparator) {
		args = append(args, "--ffmpeg-location", filepath.Dir(d.cfg.FFBin))
	}
	if preferAudio {
		args = append(args, "-f", "bestaudio/best", "-x", "--audio-format", "wav")
	} else {
		args = append(args, "-f", "bv*+ba/b", "--merge-output-format", "mp4")
	}
	return append(args, ref)
}

func (d *Downloader) fetchExtractor(ctx context.Context, ref, dir string, preferAudio bool, rep task.Reporter) (string, error) {
	bin, prefix := d.extractorCommand()
	res, err := d.monitor.Run(ctx, process.Spec{
		Name:   "yt-dlp",
		Binary: bin,
		Args:   append(prefix, d.extractorArgs(ref, dir, preferAudio)...),
		OnEvent: func(ev process.Event) {
			if ev.Kind != process.KindProgress {
				return
			}
			downloaded, _ := ev.Float("downloaded")
			total, ok := ev.Float("total")
			if !ok || total <= 0 {
				return
			}
			pct := int(downloaded / total * 100)
			rep.Report(pct, extractorStage(pct, ev))
		},
	}, rep)
	if err != nil {
		return "", err
	}
	return locateOutput(res.Stdout, dir, preferAudio)
}

func extractorStage(pct int, ev process.Event) string {
	stage := fmt.Sprintf("downloading %d%%", pct)
	if speed, ok := ev.Float("speed"); ok {
		stage += " | " + humanBytes(speed) + "/s"
	}
	if eta, ok := ev.Int("eta"); ok {
		stage += fmt.Sprintf(" | ETA %ds", eta)
	} else {
		stage += " | ETA -"
	}
	return stage
}

// locateOutput picks the file yt-dlp reported, falling back to the newest
// file in dir.
func locateOutput(stdout, dir string, preferAudio bool) (string, error) {
	lines := lo.Filter(strings.Split(stdout, "\n"), func(l string, _ int) bool { return strings.TrimSpace(l) != "" })
	if len(lines) > 0 {
		p := strings.TrimSpace(lines[len(lines)-1])
		candidates := []string{p}
		if preferAudio {
			candidates = append([]string{strings.TrimSuffix(p, filepath.Ext(p)) + ".wav"}, candidates...)
		}
		candidates = append(candidates, strings.TrimSuffix(p, filepath.Ext(p))+".mp4")
		for _, c := range candidates {
			if info, err := os.Stat(c); err == nil && !info.IsDir() {
				return c, nil
			}
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", task.Wrap(task.KindInternal, err, "read %s", dir)
	}
	type found struct {
		path string
		mod  time.Time
	}
	var files []found
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || e.IsDir() || strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		files = append(files, found{filepath.Join(dir, e.Name()), info.ModTime()})
	}
	if len(files) == 0 {
		return "", task.Errorf(task.KindProcess, "extractor reported success but no local file was found")
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })
	return files[0].path, nil
}

// ResolveDirectURL asks the extractor for a direct media URL (yt-dlp -g)
// and returns it with its format.
func (d *Downloader) ResolveDirectURL(ctx context.Context, ref string, preferAudio bool, rep task.Reporter) (string, string, error) {
	format, def := "b/bv*+ba", "mp4"
	if preferAudio {
		format, def = "bestaudio/best", "mp3"
	}
	bin, prefix := d.extractorCommand()
	args := append(prefix, "-g", "-f", format, "--no-playlist", ref)

	rep.Mark("resolving direct media url with yt-dlp -g")
	direct, attempts, err := retry(ctx, d.policy(rep, "direct url resolution"), rep, func(int) (string, error) {
		res, err := d.monitor.Run(ctx, process.Spec{
			Name:    "yt-dlp -g",
			Binary:  bin,
			Args:    args,
			Timeout: d.cfg.ResolveTimeout,
		}, rep)
		if err != nil {
			return "", err
		}
		first, _, _ := strings.Cut(res.Stdout, "\n")
		first = strings.TrimSpace(first)
		if first == "" {
			return "", task.Errorf(task.KindProcess, "yt-dlp returned no direct url")
		}
		return first, nil
	})
	if err != nil {
		if errors.Is(err, task.ErrCanceled) {
			return "", "", err
		}
		return "", "", task.Wrap(task.KindOf(err), err, "direct url resolution failed after %d attempt(s)", attempts)
	}

	ext := extOf(direct)
	if ext == "" {
		ext = def
	}
	rep.Report(100, "direct media url resolved")
	return direct, ext, nil
}

func redact(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return "media url"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

func humanBytes(v float64) string {
	units := []string{"B", "KB", "MB", "GB"}
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.1f%s", v, units[i])
}
