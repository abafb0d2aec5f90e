package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/newsletter-digest/model"
)

func raw(lines ...string) model.RawMessage {
	return model.RawMessage{ID: "1", Raw: []byte(strings.Join(lines, "\r\n"))}
}

func TestParse_PlainTextWithEncodedSubject(t *testing.T) {
	msg := raw(
		"From: news@example.com",
		"Subject: =?UTF-8?B?SGVsbG8gV29ybGQ=?=",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Weekly update",
	)

	parsed, err := Parse(msg)
	require.NoError(t, err)

	assert.Equal(t, "1", parsed.ID)
	assert.Equal(t, "Hello World", parsed.Subject)
	assert.Equal(t, "Weekly update", parsed.Body)
}

func TestParse_PlainSubjectKeptAsIs(t *testing.T) {
	msg := raw(
		"Subject: Issue #42",
		"",
		"body",
	)

	parsed, err := Parse(msg)
	require.NoError(t, err)
	assert.Equal(t, "Issue #42", parsed.Subject)
	assert.Equal(t, "body", parsed.Body)
}

func TestParse_AlternativePrefersPlainText(t *testing.T) {
	msg := raw(
		"Subject: Alt",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b"`,
		"",
		"--b",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"plain version",
		"--b",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>html version</p>",
		"--b--",
		"",
	)

	parsed, err := Parse(msg)
	require.NoError(t, err)
	assert.Equal(t, "plain version", parsed.Body)
}

func TestParse_ConcatenatesEveryPlainPart(t *testing.T) {
	msg := raw(
		"Subject: Mixed",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="b"`,
		"",
		"--b",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"first",
		"--b",
		"Content-Type: application/octet-stream",
		"Content-Disposition: attachment; filename=data.bin",
		"",
		"ignored",
		"--b",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"second",
		"--b--",
		"",
	)

	parsed, err := Parse(msg)
	require.NoError(t, err)
	assert.Equal(t, "firstsecond", parsed.Body)
}

func TestParse_HTMLFallback(t *testing.T) {
	msg := raw(
		"Subject: Html only",
		"Content-Type: text/html; charset=utf-8",
		"",
		`<h1>Headline</h1><p>Hello <b>there</b></p><p><a href="https://example.com/post">Read more</a></p>`,
	)

	parsed, err := Parse(msg)
	require.NoError(t, err)

	assert.Contains(t, parsed.Body, "Headline")
	assert.Contains(t, parsed.Body, "Hello there")
	assert.Contains(t, parsed.Body, "Read more")
	assert.Contains(t, parsed.Body, "https://example.com/post")
	assert.NotContains(t, parsed.Body, "<p>")
	assert.Contains(t, parsed.Body, "\n", "block elements become line breaks")
}

func TestParse_DecodesDeclaredCharset(t *testing.T) {
	msg := model.RawMessage{ID: "2", Raw: []byte("Subject: Latin\r\n" +
		"Content-Type: text/plain; charset=iso-8859-1\r\n" +
		"Content-Transfer-Encoding: 8bit\r\n" +
		"\r\n" +
		"caf\xe9")}

	parsed, err := Parse(msg)
	require.NoError(t, err)
	assert.Equal(t, "café", parsed.Body)
}

func TestParse_InvalidBytesAreReplaced(t *testing.T) {
	msg := model.RawMessage{ID: "3", Raw: []byte("Subject: Broken\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"bad \xff byte")}

	parsed, err := Parse(msg)
	require.NoError(t, err)
	assert.Equal(t, "bad \uFFFD byte", parsed.Body)
}

func TestParse_NoTextPartYieldsEmptyBody(t *testing.T) {
	msg := raw(
		"Subject: Attachment only",
		"Content-Type: application/pdf",
		"Content-Disposition: attachment; filename=report.pdf",
		"",
		"%PDF-1.4",
	)

	parsed, err := Parse(msg)
	require.NoError(t, err)
	assert.Equal(t, "Attachment only", parsed.Subject)
	assert.Equal(t, "", parsed.Body)
}

func TestParse_MalformedHeader(t *testing.T) {
	msg := raw(
		"this line is not a header",
		"",
		"body",
	)

	_, err := Parse(msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestParse_IsIdempotent(t *testing.T) {
	msg := raw(
		"Subject: =?ISO-8859-1?Q?Gr=FC=DFe?=",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b"`,
		"",
		"--b",
		"Content-Type: text/html; charset=utf-8",
		"",
		`<p>Hi <a href="https://example.com">link</a></p>`,
		"--b--",
		"",
	)

	first, err := Parse(msg)
	require.NoError(t, err)
	second, err := Parse(msg)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "Grüße", first.Subject)
}

func TestHTMLToText_KeepsLinks(t *testing.T) {
	text := HTMLToText(`<div>Intro</div><div><a href="https://example.org">Example</a></div>`)

	assert.Contains(t, text, "Intro")
	assert.Contains(t, text, "Example")
	assert.Contains(t, text, "https://example.org")
}

func TestHTMLToText_DropsEmphasis(t *testing.T) {
	text := HTMLToText(`<p>Hello <b>bold</b>, <strong>strong</strong> and <em>it</em> <i>too</i></p>`)

	assert.Equal(t, "Hello bold, strong and it too", text)
}
