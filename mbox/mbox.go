package mbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/newsletter-digest/model"
	"github.com/dhcgn/newsletter-digest/runner"
)

var ErrPathMissing = errors.New("mbox path is empty")

// Options scopes an mbox archive the same way an IMAP search is scoped.
type Options struct {
	Path    string
	Senders []string
	Since   time.Time
}

// Source is the offline mail source: it reads an mbox archive instead of a
// live mailbox.
type Source struct {
	opts    Options
	senders []string
	logger  *slog.Logger
	open    func(string) (io.ReadCloser, error)
}

func NewSource(opts Options, logger *slog.Logger) (*Source, error) {
	opts.Path = strings.TrimSpace(opts.Path)
	if opts.Path == "" {
		return nil, ErrPathMissing
	}
	senders := make([]string, 0, len(opts.Senders))
	for _, s := range opts.Senders {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			senders = append(senders, s)
		}
	}
	if len(senders) == 0 {
		return nil, fmt.Errorf("at least one sender is required")
	}
	return &Source{
		opts:    opts,
		senders: senders,
		logger:  logger,
		open: func(path string) (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// Register adds the source to r as its mail source.
func (s *Source) Register(r *runner.Runner) {
	r.AddSource("mbox", s.Retrieve)
}

// Retrieve returns the messages whose From header contains one of the
// senders and whose Date is on or after opts.Since, in archive order.
func (s *Source) Retrieve(ctx context.Context) ([]model.RawMessage, error) {
	file, err := s.open(s.opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	var msgs []model.RawMessage
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return msgs, nil
			}
			return nil, fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return nil, fmt.Errorf("message %d read: %w", idx, err)
		}

		header, err := readHeader(raw)
		if err != nil {
			if s.logger != nil {
				s.logger.Debug("skipping mbox message with unreadable header", "index", idx, "err", err)
			}
			continue
		}
		if !s.matches(header) {
			continue
		}

		msgs = append(msgs, model.RawMessage{ID: fmt.Sprintf("mbox-%d", idx), Raw: raw})
	}
}

func (s *Source) matches(header mail.Header) bool {
	date, err := header.Date()
	if err != nil || date.IsZero() || date.Before(s.opts.Since) {
		return false
	}
	from := strings.ToLower(header.Get("From"))
	for _, sender := range s.senders {
		if strings.Contains(from, sender) {
			return true
		}
	}
	return false
}

func readHeader(raw []byte) (mail.Header, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !(message.IsUnknownCharset(err) && entity != nil) {
		return mail.Header{}, err
	}
	return mail.Header{Header: entity.Header}, nil
}

// MboxMessage represents a single message from an mbox file for stats.
type MboxMessage struct {
	Header mail.Header
	Raw    []byte
}

// Read opens an mbox file and iterates through its messages,
// calling the provided callback for each message.
func Read(path string, callback func(m *MboxMessage) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	return read(file, callback)
}

func read(r io.Reader, callback func(m *MboxMessage) error) error {
	reader := mboxlib.NewReader(r)
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			// try to continue
			continue
		}

		header, err := readHeader(raw)
		if err != nil {
			continue
		}

		if err := callback(&MboxMessage{Header: header, Raw: raw}); err != nil {
			return err
		}
	}
}
