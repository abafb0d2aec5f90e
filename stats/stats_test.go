package stats

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Apply(t *testing.T) {
	c := NewCollector()
	lastErr := errors.New("boom")

	for _, evt := range []Event{
		{Stage: StageRetrieve, Type: EventTypeRetrieved, Count: 3},
		{Stage: StageExtract, Type: EventTypeExtracted},
		{Stage: StageExtract, Type: EventTypeExtracted},
		{Stage: StageExtract, Type: EventTypeError, Err: errors.New("bad mime")},
		{Stage: StageExtract, Type: EventTypeQueued, Count: 2},
		{Stage: StageExtract, Type: EventTypeQueued, Count: 1},
		{Stage: StageSummarize, Type: EventTypeSummarized},
		{Stage: StageSummarize, Type: EventTypeError, Err: lastErr},
		{Stage: StageDigest, Type: EventTypeAppended},
	} {
		c.Apply(evt)
	}

	s := c.Snapshot()
	assert.Equal(t, 3, s.Retrieved)
	assert.Equal(t, 2, s.Extracted)
	assert.Equal(t, 2, s.Queued)
	assert.Equal(t, 3, s.Chunks)
	assert.Equal(t, 1, s.Summarized)
	assert.Equal(t, 1, s.Appended)
	assert.Equal(t, 2, s.Errors)
	assert.Equal(t, 1, s.ExtractErrors)
	assert.Equal(t, 1, s.SummaryErrors)
	assert.Equal(t, lastErr, s.LastError)
}

func TestCollector_RunStopsOnClose(t *testing.T) {
	c := NewCollector()
	events := make(chan Event, 2)
	events <- Event{Stage: StageDigest, Type: EventTypeAppended}
	close(events)

	c.Run(context.Background(), events)

	assert.Equal(t, 1, c.Snapshot().Appended)
}

func TestSummary_LogAttrs(t *testing.T) {
	attrs := Summary{Retrieved: 1, ExtractErrors: 2, LastError: errors.New("x")}.LogAttrs()
	assert.Contains(t, attrs, "lastError")
	assert.Contains(t, attrs, "x")
	assert.Contains(t, attrs, "extractErrors")
	assert.Contains(t, attrs, "retrievalErrors")
	assert.Contains(t, attrs, "summaryErrors")
}

func TestMetrics_Observe(t *testing.T) {
	m := NewMetrics()
	m.Observe(Event{Stage: StageExtract, Type: EventTypeQueued, Count: 4})
	m.Observe(Event{Stage: StageSummarize, Type: EventTypeSummarized, Duration: time.Second})
	m.Observe(Event{Stage: StageSummarize, Type: EventTypeError})

	assert.Equal(t, 4.0, testutil.ToFloat64(m.chunks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("summarize", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.summarize))
}

func TestMetrics_NewsletterHasItsOwnHistogram(t *testing.T) {
	m := NewMetrics()
	m.Observe(Event{Stage: StageNewsletter, Type: EventTypeComposed, Duration: 3 * time.Second})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("newsletter", "composed")))

	path := filepath.Join(t.TempDir(), "digest.prom")
	require.NoError(t, m.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "newsletter_digest_newsletter_duration_seconds_count 1")
	assert.Contains(t, string(data), "newsletter_digest_summarize_duration_seconds_count 0")
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.Observe(Event{Stage: StageDigest, Type: EventTypeAppended})

	path := filepath.Join(t.TempDir(), "digest.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `newsletter_digest_events_total{stage="digest",type="appended"} 1`)
}

func TestPrettyPrintTop(t *testing.T) {
	var buf bytes.Buffer
	PrettyPrintTop(&buf, map[string]int{"a@x": 1, "b@x": 5, "c@x": 5}, 2)

	assert.Equal(t, "1. b@x (5)\n2. c@x (5)\n", buf.String())
}
