package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageRetrieve   Stage = "retrieve"
	StageExtract    Stage = "extract"
	StageSummarize  Stage = "summarize"
	StageDigest     Stage = "digest"
	StageNewsletter Stage = "newsletter"
)

type EventType string

const (
	EventTypeRetrieved  EventType = "retrieved"
	EventTypeExtracted  EventType = "extracted"
	EventTypeFiltered   EventType = "filtered"
	EventTypeQueued     EventType = "queued"
	EventTypeSummarized EventType = "summarized"
	EventTypeAppended   EventType = "appended"
	EventTypeComposed   EventType = "composed"
	EventTypeError      EventType = "error"
)

// Event is emitted by pipeline stages. Count carries the number of messages
// for EventTypeRetrieved and the number of chunks for EventTypeQueued.
type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Subject   string
	Count     int
	Duration  time.Duration
	Err       error
}

type Summary struct {
	Retrieved       int
	Extracted       int
	Filtered        int
	Queued          int
	Chunks          int
	Summarized      int
	Appended        int
	RetrievalErrors int
	ExtractErrors   int
	SummaryErrors   int
	Errors          int
	LastError       error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"retrieved", s.Retrieved,
		"extracted", s.Extracted,
		"filtered", s.Filtered,
		"queued", s.Queued,
		"chunks", s.Chunks,
		"summarized", s.Summarized,
		"appended", s.Appended,
		"errors", s.Errors,
		"retrievalErrors", s.RetrievalErrors,
		"extractErrors", s.ExtractErrors,
		"summaryErrors", s.SummaryErrors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeRetrieved:
		c.summary.Retrieved += evt.Count
	case EventTypeExtracted:
		c.summary.Extracted++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeQueued:
		c.summary.Queued++
		c.summary.Chunks += evt.Count
	case EventTypeSummarized:
		c.summary.Summarized++
	case EventTypeAppended:
		c.summary.Appended++
	case EventTypeError:
		c.summary.Errors++
		switch evt.Stage {
		case StageRetrieve:
			c.summary.RetrievalErrors++
		case StageExtract:
			c.summary.ExtractErrors++
		case StageSummarize:
			c.summary.SummaryErrors++
		}
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop writes the top N most frequent items in a map to w.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	type pair struct {
		Key   string
		Value int
	}

	var pairs []pair
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	for i := 0; i < limit && i < len(pairs); i++ {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, pairs[i].Key, pairs[i].Value)
	}
}
