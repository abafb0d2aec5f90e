package progress

import (
	"context"
	"io"
	"sync"

	"github.com/pterm/pterm"

	"github.com/dhcgn/newsletter-digest/stats"
)

// Bar tracks how many retrieved messages have reached a final state.
// The total is only known once retrieval is done, so the bar starts on the
// retrieved event.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	writer  io.Writer
	total   int
	done    int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar. A disabled bar ignores every event.
func New(enabled bool) *Bar {
	return &Bar{enabled: enabled}
}

// WithWriter sends the bar output to w instead of the terminal.
func (b *Bar) WithWriter(w io.Writer) *Bar {
	b.writer = w
	return b
}

// Update advances the bar based on the event type.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeRetrieved:
		b.start(evt.Count)
	case stats.EventTypeFiltered, stats.EventTypeAppended:
		b.increment(evt.Subject)
	case stats.EventTypeError:
		if evt.Err != nil {
			b.errorPrinter().Printf("Error: %v\n", evt.Err)
		}
		if evt.MessageID != "" {
			b.increment(evt.Subject)
		}
	}
}

func (b *Bar) errorPrinter() *pterm.PrefixPrinter {
	if b.writer != nil {
		return pterm.Error.WithWriter(b.writer)
	}
	return &pterm.Error
}

func (b *Bar) start(total int) {
	b.total = total
	if total == 0 || b.pb != nil {
		return
	}
	printer := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle("Summarizing messages")
	if b.writer != nil {
		printer = printer.WithWriter(b.writer)
	}
	pb, err := printer.Start()
	if err != nil {
		return
	}
	b.pb = pb
}

func (b *Bar) increment(subject string) {
	b.done++
	if b.pb == nil {
		return
	}
	if subject != "" {
		if len([]rune(subject)) > 40 {
			subject = string([]rune(subject)[:37]) + "..."
		}
		b.pb.UpdateTitle("Done: " + subject)
	}
	b.pb.Increment()
}

// Done reports how many messages reached a final state.
func (b *Bar) Done() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pb == nil {
		return
	}
	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
	b.pb = nil
}

// Subscribe attaches the bar to an event stream.
func (b *Bar) Subscribe(stream stats.EventStream) {
	if !b.enabled {
		return
	}
	stream.SubscribeStats("progress-bar", b.consume)
}

func (b *Bar) consume(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}
