package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dhcgn/newsletter-digest/chunk"
	"github.com/dhcgn/newsletter-digest/config"
	"github.com/dhcgn/newsletter-digest/digest"
	"github.com/dhcgn/newsletter-digest/extract"
	"github.com/dhcgn/newsletter-digest/filter"
	"github.com/dhcgn/newsletter-digest/model"
	"github.com/dhcgn/newsletter-digest/stats"
)

type StageFunc func(context.Context) error

// Summarizer turns the chunks of one message into its summary.
type Summarizer interface {
	Summarize(ctx context.Context, chunks []string) (string, error)
}

// Result is what a summarize worker reports back for one queued message.
type Result struct {
	Seq      int
	ID       string
	Subject  string
	Summary  string
	Duration time.Duration
	Err      error
}

type job struct {
	seq    int
	msg    model.ParsedMessage
	chunks []string
}

type stage struct {
	name string
	fn   StageFunc
}

type subscriber struct {
	name   string
	events chan stats.Event
	fn     func(context.Context, <-chan stats.Event) error
}

// Runner wires the mail source, extraction, the summarize worker pool and the
// digest builder together. Stages are started by Start.
type Runner struct {
	cfg        config.Config
	logger     *slog.Logger
	summarizer Summarizer
	filter     *filter.Filter

	ctx    context.Context
	cancel context.CancelFunc

	messages chan model.RawMessage
	jobs     chan job
	results  chan Result

	stages      []stage
	subscribers []*subscriber

	workWG    sync.WaitGroup
	workersWG sync.WaitGroup
	statsWG   sync.WaitGroup

	errMu sync.Mutex
	err   error

	builder   *digest.Builder
	retrieved atomic.Int64
	failedMu  sync.Mutex
	failed    []string

	closeMailboxOnce sync.Once
	closeJobsOnce    sync.Once
	since            time.Time
}

func New(ctx context.Context, cfg config.Config, summarizer Summarizer, logger *slog.Logger) (*Runner, error) {
	if summarizer == nil {
		return nil, fmt.Errorf("summarizer must not be nil")
	}
	msgFilter, err := filter.New(cfg.Filter)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &Runner{
		cfg:        cfg,
		logger:     logger,
		summarizer: summarizer,
		filter:     msgFilter,
		ctx:        ctx,
		cancel:     cancel,
		messages:   make(chan model.RawMessage, 32),
		jobs:       make(chan job, workers),
		results:    make(chan Result, workers),
		builder:    digest.NewBuilder(),
	}

	r.AddStage("extract", r.extract)
	for i := 0; i < workers; i++ {
		r.workersWG.Add(1)
		r.AddStage(fmt.Sprintf("summarize-%d", i+1), r.summarizeWorker)
	}
	r.AddStage("results", r.closeResults)
	r.AddStage("digest", r.collect)
	return r, nil
}

// closeMailbox signals that the mail source is done.
func (r *Runner) closeMailbox() {
	r.closeMailboxOnce.Do(func() {
		close(r.messages)
	})
}

// EmitEvent delivers evt to every stats subscriber.
func (r *Runner) EmitEvent(evt stats.Event) {
	for _, sub := range r.subscribers {
		select {
		case <-r.ctx.Done():
			return
		case sub.events <- evt:
		}
	}
}

// SubscribeStats registers a consumer of pipeline events. Each subscriber gets
// its own channel; all subscriptions must happen before Start.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subscribers = append(r.subscribers, &subscriber{
		name:   name,
		events: make(chan stats.Event, 128),
		fn:     fn,
	})
}

// AddStage registers a goroutine that runs for the lifetime of the pipeline.
func (r *Runner) AddStage(name string, fn StageFunc) {
	r.stages = append(r.stages, stage{name: name, fn: fn})
}

// FetchFunc loads every message of a mail source.
type FetchFunc func(context.Context) ([]model.RawMessage, error)

// AddSource registers a mail source stage. fetch runs to completion before any
// message is delivered, so a source that fails part way contributes nothing:
// the failure is logged and the run continues with an empty mailbox.
func (r *Runner) AddSource(name string, fetch FetchFunc) {
	r.AddStage(name, func(ctx context.Context) error {
		defer r.closeMailbox()

		started := time.Now()
		msgs, err := fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("retrieval failed, continuing without messages", "source", name, "err", err)
			r.EmitEvent(stats.Event{Stage: stats.StageRetrieve, Type: stats.EventTypeError, Err: err})
			r.EmitEvent(stats.Event{Stage: stats.StageRetrieve, Type: stats.EventTypeRetrieved, Count: 0})
			return nil
		}

		r.logger.Info("messages retrieved", "source", name, "count", len(msgs), "duration", time.Since(started))
		r.EmitEvent(stats.Event{Stage: stats.StageRetrieve, Type: stats.EventTypeRetrieved, Count: len(msgs), Duration: time.Since(started)})

		for _, msg := range msgs {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.messages <- msg:
			}
		}
		return nil
	})
}

// Start runs every stage and blocks until all of them have returned.
func (r *Runner) Start() error {
	r.since = time.Now()

	for _, sub := range r.subscribers {
		r.statsWG.Add(1)
		go func(sub *subscriber) {
			defer r.statsWG.Done()
			if err := sub.fn(r.ctx, sub.events); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stats: %w", sub.name, err))
			}
		}(sub)
	}

	for _, st := range r.stages {
		r.workWG.Add(1)
		go func(st stage) {
			defer r.workWG.Done()
			if err := st.fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stage: %w", st.name, err))
			}
		}(st)
	}

	r.workWG.Wait()
	for _, sub := range r.subscribers {
		close(sub.events)
	}
	r.statsWG.Wait()

	ctxErr := r.ctx.Err()
	r.cancel()

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()
	if err == nil && ctxErr != nil {
		err = ctxErr
	}

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration, "rows", r.builder.Len())
	return nil
}

// Digest returns the rows appended so far, in input order.
func (r *Runner) Digest() digest.Table {
	return r.builder.Table()
}

// Retrieved is the number of messages the mail source delivered.
func (r *Runner) Retrieved() int {
	return int(r.retrieved.Load())
}

// Failed lists the subjects of messages that could not be summarized.
func (r *Runner) Failed() []string {
	r.failedMu.Lock()
	defer r.failedMu.Unlock()
	return append([]string(nil), r.failed...)
}

func (r *Runner) extract(ctx context.Context) error {
	defer r.closeJobs()
	seq := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-r.messages:
			if !ok {
				return nil
			}
			r.retrieved.Add(1)

			parsed, err := extract.Parse(raw)
			if err != nil {
				r.logger.Warn("failed to extract email", "messageID", raw.ID, "err", err)
				r.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeError, MessageID: raw.ID, Err: err})
				continue
			}
			r.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeExtracted, MessageID: parsed.ID, Subject: parsed.Subject})

			if !r.filter.Allows(parsed) {
				r.logger.Debug("message filtered", "messageID", parsed.ID, "subject", parsed.Subject)
				r.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeFiltered, MessageID: parsed.ID, Subject: parsed.Subject})
				continue
			}

			chunks := chunk.Split(parsed.Body, r.cfg.ChunkSize)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.jobs <- job{seq: seq, msg: parsed, chunks: chunks}:
				seq++
				r.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeQueued, MessageID: parsed.ID, Subject: parsed.Subject, Count: len(chunks)})
			}
		}
	}
}

func (r *Runner) summarizeWorker(ctx context.Context) error {
	defer r.workersWG.Done()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-r.jobs:
			if !ok {
				return nil
			}

			started := time.Now()
			summary, err := r.summarizer.Summarize(ctx, j.chunks)
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			result := Result{
				Seq:      j.seq,
				ID:       j.msg.ID,
				Subject:  j.msg.Subject,
				Summary:  summary,
				Duration: time.Since(started),
				Err:      err,
			}

			if err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StageSummarize, Type: stats.EventTypeError, MessageID: result.ID, Subject: result.Subject, Err: err})
			} else {
				r.EmitEvent(stats.Event{Stage: stats.StageSummarize, Type: stats.EventTypeSummarized, MessageID: result.ID, Subject: result.Subject, Duration: result.Duration})
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.results <- result:
			}
		}
	}
}

func (r *Runner) closeResults(ctx context.Context) error {
	r.workersWG.Wait()
	close(r.results)
	return nil
}

// collect appends results to the digest in queue order, whatever order the
// workers finish in.
func (r *Runner) collect(ctx context.Context) error {
	pending := make(map[int]Result)
	next := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case result, ok := <-r.results:
			if !ok {
				if len(pending) > 0 {
					return fmt.Errorf("%d results missing their predecessor", len(pending))
				}
				return nil
			}
			pending[result.Seq] = result
			for {
				res, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				r.record(res)
			}
		}
	}
}

func (r *Runner) record(res Result) {
	if res.Err != nil {
		r.logger.Warn("failed to summarize email", "subject", res.Subject, "messageID", res.ID, "err", res.Err)
		r.failedMu.Lock()
		r.failed = append(r.failed, res.Subject)
		r.failedMu.Unlock()
		return
	}
	r.builder.Append(res.Subject, res.Summary)
	r.logger.Debug("digest row appended", "subject", res.Subject, "duration", res.Duration)
	r.EmitEvent(stats.Event{Stage: stats.StageDigest, Type: stats.EventTypeAppended, MessageID: res.ID, Subject: res.Subject})
}

func (r *Runner) closeJobs() {
	r.closeJobsOnce.Do(func() {
		close(r.jobs)
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
