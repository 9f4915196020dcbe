package engine

import (
	"context"
	"net/url"
	"path"
	"time"

	"mediascribe/config"
	"mediascribe/doubao"
	"mediascribe/download"
	"mediascribe/media"
	"mediascribe/remote"
	"mediascribe/task"
	"mediascribe/tingwu"

	"go.uber.org/zap"
)

const (
	tingwuScale = 5 * time.Second
	doubaoScale = 2 * time.Second
)

// TingwuClient creates tingwu jobs.
type TingwuClient interface {
	Check() error
	Job(fileURL string, opts tingwu.Options) (remote.Vendor, error)
}

// DoubaoClient creates doubao jobs.
type DoubaoClient interface {
	Check() error
	Job(req doubao.Request) (remote.Vendor, error)
}

// TingwuPipeline hands a fetchable URL to Alibaba Cloud Tingwu and polls the
// offline task.
type TingwuPipeline struct {
	fetch  Fetcher
	client TingwuClient
	poller *remote.Poller
	log    *zap.Logger
}

func NewTingwuPipeline(cfg *config.Config, fetch Fetcher, client TingwuClient, log *zap.Logger) *TingwuPipeline {
	return &TingwuPipeline{
		fetch:  fetch,
		client: client,
		poller: remote.NewPoller(cfg.TingwuPollInterval, cfg.TingwuTimeout, tingwuScale, log),
		log:    orNop(log),
	}
}

func (p *TingwuPipeline) Run(ctx context.Context, job task.Job) (string, error) {
	rep := job.Reporter
	if err := p.client.Check(); err != nil {
		return "", err
	}

	fileURL := job.MediaRef
	if download.IsExtractorURL(job.MediaRef) {
		rep.Report(10, "resolving direct link with yt-dlp")
		resolved, _, err := p.fetch.ResolveDirectURL(ctx, job.MediaRef, true, rep.Span(10, 30))
		if err != nil {
			return "", err
		}
		fileURL = resolved
	} else {
		rep.Report(10, "using input link directly")
	}

	rep.Report(35, "link ready, creating tingwu task")
	v, err := p.client.Job(fileURL, tingwu.Options{
		SourceLanguage: job.Params.String("sourceLanguage"),
		TargetLanguage: job.Params.String("targetLanguage"),
		Mode:           job.Params.String("type"),
	})
	if err != nil {
		return "", err
	}
	return p.poller.Run(ctx, v, rep.Span(55, 95), "tingwu transcribing")
}

// DoubaoPipeline submits audio to the Volcengine recognition API. Extractor
// sources are downloaded, converted and published first because the vendor
// cannot fetch them directly.
type DoubaoPipeline struct {
	fetch     Fetcher
	convert   Transcoder
	publisher media.Publisher
	client    DoubaoClient
	poller    *remote.Poller
	log       *zap.Logger
	scratch   func(prefix, taskID string, log *zap.Logger) (string, func(), error)
}

func NewDoubaoPipeline(cfg *config.Config, fetch Fetcher, convert Transcoder, publisher media.Publisher, client DoubaoClient, log *zap.Logger) *DoubaoPipeline {
	return &DoubaoPipeline{
		fetch:     fetch,
		convert:   convert,
		publisher: publisher,
		client:    client,
		poller:    remote.NewPoller(cfg.DoubaoPollInterval, cfg.DoubaoTimeout, doubaoScale, log),
		log:       orNop(log),
		scratch:   Scratch,
	}
}

func (p *DoubaoPipeline) Run(ctx context.Context, job task.Job) (string, error) {
	rep := job.Reporter
	if err := p.client.Check(); err != nil {
		return "", err
	}

	var audioURL, format string
	if download.IsExtractorURL(job.MediaRef) {
		var err error
		if audioURL, err = p.publish(ctx, job); err != nil {
			return "", err
		}
		format = "wav"
	} else {
		rep.Report(10, "using input link directly")
		audioURL = job.MediaRef
		format = doubao.AudioFormat(mediaHint(job.MediaRef))
	}

	rep.Report(45, "link ready, submitting doubao task")
	v, err := p.client.Job(doubao.Request{
		AudioURL: audioURL,
		Format:   format,
		Language: doubao.Language(job.Params.String("sourceLanguage")),
		UID:      doubao.UID(job.ID),
	})
	if err != nil {
		return "", err
	}
	return p.poller.Run(ctx, v, rep.Span(60, 95), "doubao recognizing")
}

// publish downloads, converts and publishes an extractor source, returning
// the public URL of the published wav.
func (p *DoubaoPipeline) publish(ctx context.Context, job task.Job) (string, error) {
	rep := job.Reporter
	dir, cleanup, err := p.scratch("doubao-proxy", job.ID, p.log)
	if err != nil {
		return "", err
	}
	defer cleanup()

	rep.Report(10, "downloading media to prepare a stable link")
	local, err := p.fetch.Fetch(ctx, job.MediaRef, dir, true, rep.Span(10, 25))
	if err != nil {
		return "", err
	}
	rep.Report(25, "media downloaded, converting to 16k mono wav")
	wav, err := p.convert.ToWav16kMono(ctx, local, dir, rep.Span(25, 35))
	if err != nil {
		return "", err
	}
	if err := rep.Check(); err != nil {
		return "", err
	}
	rep.Report(35, "publishing temporary public audio link")
	return p.publisher.Publish(ctx, wav, job.ID)
}

// mediaHint returns the file name the vendor format is detected from.
func mediaHint(ref string) string {
	if u, err := url.Parse(ref); err == nil && u.Path != "" && u.Path != "/" {
		return path.Base(u.Path)
	}
	return "input." + download.FormatFromURL(ref, "mp3")
}
