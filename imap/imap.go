package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/newsletter-digest/model"
	"github.com/dhcgn/newsletter-digest/runner"
)

var (
	ErrAuthentication = errors.New("imap authentication failed")
	ErrTransport      = errors.New("imap transport failure")
	ErrFetch          = errors.New("imap fetch failed")
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	Senders            []string
	Since              time.Time
}

func (o Options) mailbox() string {
	if o.Mailbox == "" {
		return "INBOX"
	}
	return o.Mailbox
}

// Session is an authenticated connection with the mailbox selected.
type Session interface {
	Search(ctx context.Context, sender string, since time.Time) ([]imapv2.UID, error)
	Fetch(ctx context.Context, uid imapv2.UID) (model.RawMessage, error)
	Close() error
}

// Dial connects, logs in and selects the configured mailbox.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (Session, error) {
	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{}

	if opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, address, err)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		stopClose()
		_ = client.Close()
		var respErr *imapv2.Error
		if errors.As(err, &respErr) {
			return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		return nil, fmt.Errorf("%w: login: %v", ErrTransport, err)
	}

	if _, err := client.Select(opts.mailbox(), &imapv2.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		stopClose()
		_ = client.Close()
		return nil, fmt.Errorf("%w: select %s: %v", ErrTransport, opts.mailbox(), err)
	}

	if logger != nil {
		logger.Debug("imap connection established", "address", address, "user", opts.Username, "mailbox", opts.mailbox(), "tls", opts.UseTLS)
	}

	return &clientSession{client: client, stopClose: stopClose, logger: logger}, nil
}

type clientSession struct {
	client    *imapclient.Client
	stopClose func() bool
	logger    *slog.Logger
}

func (s *clientSession) Search(ctx context.Context, sender string, since time.Time) ([]imapv2.UID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	criteria := &imapv2.SearchCriteria{
		Since: since,
		Header: []imapv2.SearchCriteriaHeaderField{
			{Key: "From", Value: sender},
		},
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("%w: search from %s: %v", ErrTransport, sender, err)
	}
	return data.AllUIDs(), nil
}

func (s *clientSession) Fetch(ctx context.Context, uid imapv2.UID) (model.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return model.RawMessage{}, err
	}
	section := &imapv2.FetchItemBodySection{Peek: true}
	opts := &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	}

	msgs, err := s.client.Fetch(imapv2.UIDSetNum(uid), opts).Collect()
	if err != nil {
		return model.RawMessage{}, fmt.Errorf("%w: uid %d: %v", ErrFetch, uid, err)
	}
	if len(msgs) == 0 {
		return model.RawMessage{}, fmt.Errorf("%w: uid %d no longer exists", ErrFetch, uid)
	}

	raw := msgs[0].FindBodySection(section)
	if raw == nil {
		return model.RawMessage{}, fmt.Errorf("%w: uid %d returned no body", ErrFetch, uid)
	}

	return model.RawMessage{ID: strconv.FormatUint(uint64(uid), 10), Raw: raw}, nil
}

func (s *clientSession) Close() error {
	s.stopClose()
	if err := s.client.Logout().Wait(); err != nil && s.logger != nil {
		s.logger.Warn("imap logout failed", "err", err)
	}
	return s.client.Close()
}

// Retriever is the IMAP mail source. It searches once per sender, pools the
// UIDs of all senders, then fetches each message once.
type Retriever struct {
	opts    Options
	logger  *slog.Logger
	connect func(context.Context, Options, *slog.Logger) (Session, error)
}

func NewRetriever(opts Options, logger *slog.Logger) (*Retriever, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if len(opts.Senders) == 0 {
		return nil, fmt.Errorf("at least one sender is required")
	}
	return &Retriever{opts: opts, logger: logger, connect: Dial}, nil
}

// Register adds the retriever to r as its mail source.
func (rt *Retriever) Register(r *runner.Runner) {
	r.AddSource("imap", rt.Retrieve)
}

// Retrieve returns every message from the configured senders received on or
// after opts.Since, ordered by UID.
func (rt *Retriever) Retrieve(ctx context.Context) ([]model.RawMessage, error) {
	session, err := rt.connect(ctx, rt.opts, rt.logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := session.Close(); err != nil && rt.logger != nil {
			rt.logger.Debug("imap connection closed", "err", err)
		}
	}()

	seen := make(map[imapv2.UID]struct{})
	var uids []imapv2.UID
	for _, sender := range rt.opts.Senders {
		found, err := session.Search(ctx, sender, rt.opts.Since)
		if err != nil {
			return nil, err
		}
		if rt.logger != nil {
			rt.logger.Debug("imap search", "sender", sender, "since", rt.opts.Since.Format(time.DateOnly), "matches", len(found))
		}
		for _, uid := range found {
			if _, ok := seen[uid]; ok {
				continue
			}
			seen[uid] = struct{}{}
			uids = append(uids, uid)
		}
	}
	slices.Sort(uids)

	msgs := make([]model.RawMessage, 0, len(uids))
	for _, uid := range uids {
		msg, err := session.Fetch(ctx, uid)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
