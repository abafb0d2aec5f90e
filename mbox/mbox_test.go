package mbox

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const archive = `From csnetwork@substack.com Mon Mar 04 10:00:00 2024
From: Civil Service Network <csnetwork@substack.com>
Subject: Weekly roundup
Date: Mon, 04 Mar 2024 10:00:00 +0000

first body

From someone@example.org Tue Mar 05 10:00:00 2024
From: Someone <someone@example.org>
Subject: Unrelated
Date: Tue, 05 Mar 2024 10:00:00 +0000

not a newsletter

From info@womensequality.org.uk Wed Feb 07 10:00:00 2024
From: WEP <INFO@womensequality.org.uk>
Subject: Too old
Date: Wed, 07 Feb 2024 10:00:00 +0000

outside the window

From info@womensequality.org.uk Fri Mar 08 10:00:00 2024
From: WEP <INFO@womensequality.org.uk>
Subject: =?UTF-8?Q?Gr=C3=BC=C3=9Fe?=
Date: Fri, 08 Mar 2024 10:00:00 +0000

second body

From csnetwork@substack.com Sat Mar 09 10:00:00 2024
From: Civil Service Network <csnetwork@substack.com>
Subject: No date

missing date header
`

func newTestSource(t *testing.T, data string) *Source {
	t.Helper()
	src, err := NewSource(Options{
		Path:    "archive.mbox",
		Senders: []string{"csnetwork@substack.com", "info@womensequality.org.uk"},
		Since:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}, nil)
	require.NoError(t, err)
	src.open = func(string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(data)), nil
	}
	return src
}

func TestRetrieve_SenderAndWindow(t *testing.T) {
	msgs, err := newTestSource(t, archive).Retrieve(context.Background())
	require.NoError(t, err)

	require.Len(t, msgs, 2)
	assert.Equal(t, "mbox-0", msgs[0].ID)
	assert.Contains(t, string(msgs[0].Raw), "first body")
	assert.Equal(t, "mbox-3", msgs[1].ID)
	assert.Contains(t, string(msgs[1].Raw), "second body")
}

func TestRetrieve_OpenError(t *testing.T) {
	src := newTestSource(t, "")
	src.open = func(string) (io.ReadCloser, error) {
		return nil, errors.New("permission denied")
	}
	_, err := src.Retrieve(context.Background())
	assert.ErrorContains(t, err, "open mbox")
}

func TestRetrieve_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestSource(t, archive).Retrieve(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewSource_Validation(t *testing.T) {
	_, err := NewSource(Options{Senders: []string{"a"}}, nil)
	assert.ErrorIs(t, err, ErrPathMissing)
	_, err = NewSource(Options{Path: "x.mbox", Senders: []string{" "}}, nil)
	assert.Error(t, err)
}

func TestRead_DecodesHeaders(t *testing.T) {
	var subjects []string
	err := read(strings.NewReader(archive), func(m *MboxMessage) error {
		subject, err := m.Header.Subject()
		require.NoError(t, err)
		subjects = append(subjects, subject)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Weekly roundup", "Unrelated", "Too old", "Grüße", "No date"}, subjects)
}

func TestRead_CallbackErrorStops(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	err := read(strings.NewReader(archive), func(*MboxMessage) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}
