// Package remote drives cloud ASR jobs that are submitted once and then
// polled until they reach a terminal state.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mediascribe/task"

	"go.uber.org/zap"
)

type State int

const (
	InProgress State = iota
	Succeeded
	Failed
	// Empty is a vendor-side success that carries no usable text, such as
	// silent audio.
	Empty
)

func (s State) String() string {
	switch s {
	case InProgress:
		return "IN_PROGRESS"
	case Succeeded:
		return "SUCCEEDED"
	case Failed:
		return "FAILED"
	case Empty:
		return "EMPTY"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is one poll answer mapped out of a vendor response.
type Status struct {
	State   State
	Text    string
	Code    string
	Message string
}

// Vendor is one submitted-then-polled remote job.
type Vendor interface {
	Name() string
	Submit(ctx context.Context) (string, error)
	Poll(ctx context.Context, remoteID string) (Status, error)
}

// Poller runs a Vendor job to completion at a fixed cadence within a
// wall-clock budget.
type Poller struct {
	Interval time.Duration
	Timeout  time.Duration
	// Scale is the elapsed time worth one point of progress.
	Scale time.Duration
	// PollRetries is how many consecutive transport failures are tolerated.
	PollRetries int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	Log   *zap.Logger
}

func NewPoller(interval, timeout, scale time.Duration, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		Interval:    interval,
		Timeout:     timeout,
		Scale:       scale,
		PollRetries: 3,
		Now:         time.Now,
		Sleep:       sleepCtx,
		Log:         log,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run submits the job and polls it. rep owns the progress slice of the
// polling phase: it is marked on submission and advanced by elapsed time
// while the vendor reports IN_PROGRESS.
func (p *Poller) Run(ctx context.Context, v Vendor, rep task.Reporter, stage string) (string, error) {
	log := p.Log.With(zap.String("vendor", v.Name()), zap.String("task_id", rep.TaskID()))

	if err := rep.Check(); err != nil {
		return "", err
	}
	remoteID, err := v.Submit(ctx)
	if err != nil {
		return "", p.interrupted(rep, err)
	}
	log.Info("remote task submitted", zap.String("remote_id", remoteID))

	start := p.Now()
	rep.Mark(fmt.Sprintf("%s task submitted: %s", v.Name(), remoteID))

	failures := 0
	for polls := 0; ; polls++ {
		if err := rep.Check(); err != nil {
			return "", err
		}
		elapsed := p.Now().Sub(start)
		if p.Timeout > 0 && elapsed > p.Timeout {
			return "", task.Errorf(task.KindTimeout, "%s task %s timed out after %s", v.Name(), remoteID, p.Timeout)
		}

		st, err := v.Poll(ctx, remoteID)
		if err != nil {
			if rep.Canceled() {
				return "", task.ErrCanceled
			}
			if task.KindOf(err) == task.KindTransientNetwork && failures < p.PollRetries {
				failures++
				log.Warn("poll failed, retrying", zap.Int("failures", failures), zap.Error(err))
				if err := p.Sleep(ctx, p.Interval); err != nil {
					return "", p.interrupted(rep, err)
				}
				continue
			}
			return "", err
		}
		failures = 0

		switch st.State {
		case Succeeded:
			text := strings.TrimSpace(st.Text)
			if text == "" {
				return "", task.Errorf(task.KindEmptyResult, "%s reported success without text", v.Name())
			}
			log.Info("remote task succeeded", zap.Int("polls", polls+1), zap.Duration("elapsed", elapsed))
			return text, nil
		case Empty:
			return "", task.Errorf(task.KindEmptyResult, "%s", describe(v.Name(), st, "empty result"))
		case Failed:
			return "", task.Errorf(task.KindVendorRejection, "%s", describe(v.Name(), st, "task failed"))
		}

		rep.Elapsed(elapsed, p.Scale, stage)
		if err := p.Sleep(ctx, p.Interval); err != nil {
			return "", p.interrupted(rep, err)
		}
	}
}

func (p *Poller) interrupted(rep task.Reporter, err error) error {
	if rep.Canceled() {
		return task.ErrCanceled
	}
	var te *task.Error
	if errors.As(err, &te) {
		return err
	}
	return task.Wrap(task.KindOf(err), err, "remote job interrupted")
}

func describe(vendor string, st Status, fallback string) string {
	if st.Message != "" {
		return st.Message
	}
	if st.Code != "" {
		return fmt.Sprintf("%s %s: %s", vendor, fallback, st.Code)
	}
	return fmt.Sprintf("%s %s", vendor, fallback)
}
