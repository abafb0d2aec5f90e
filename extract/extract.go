// Package extract turns raw RFC 5322 messages into a decoded subject and a
// plain text body.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"
	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/dhcgn/newsletter-digest/model"
)

// ErrExtraction marks a message whose content could not be parsed.
var ErrExtraction = errors.New("extract message")

func init() {
	// Chinese mailboxes label bodies gbk/gb18030, which go-message does not know by default.
	charset.RegisterEncoding("gbk", simplifiedchinese.GBK)
	charset.RegisterEncoding("gb18030", simplifiedchinese.GB18030)
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

type contentTyper interface {
	ContentType() (string, map[string]string, error)
}

// Parse decodes the subject and collects the text/plain content of msg.
// When the message has no text/plain part, the first HTML part is converted
// to text instead. Undecodable bytes are replaced with U+FFFD.
func Parse(msg model.RawMessage) (model.ParsedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(msg.Raw))
	if err != nil {
		return model.ParsedMessage{}, fmt.Errorf("%w %s: %v", ErrExtraction, msg.ID, err)
	}
	defer mr.Close()

	parsed := model.ParsedMessage{
		ID:      msg.ID,
		Subject: decodeSubject(mr.Header),
	}

	var plain strings.Builder
	var htmlBody string
	hasPlain := false

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !(message.IsUnknownCharset(err) && part != nil) {
			return model.ParsedMessage{}, fmt.Errorf("%w %s: next part: %v", ErrExtraction, msg.ID, err)
		}

		h, ok := part.Header.(contentTyper)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if contentType == "" {
			contentType = "text/plain"
		}

		switch strings.ToLower(contentType) {
		case "text/plain":
			body, err := io.ReadAll(part.Body)
			if err != nil && len(body) == 0 {
				continue
			}
			hasPlain = true
			plain.WriteString(strings.ToValidUTF8(string(body), "\uFFFD"))
		case "text/html":
			if htmlBody != "" {
				continue
			}
			body, err := io.ReadAll(part.Body)
			if err != nil && len(body) == 0 {
				continue
			}
			htmlBody = strings.ToValidUTF8(string(body), "\uFFFD")
		}
	}

	switch {
	case hasPlain:
		parsed.Body = plain.String()
	case htmlBody != "":
		parsed.Body = HTMLToText(htmlBody)
	}

	return parsed, nil
}

// HTMLToText renders HTML as readable text. Block elements become line breaks,
// bold and italic markup is dropped, and links keep both their label and their
// target.
func HTMLToText(doc string) string {
	text, err := newTextConverter().ConvertString(doc)
	if err != nil {
		return strings.TrimSpace(doc)
	}
	return strings.TrimSpace(text)
}

func newTextConverter() *converter.Converter {
	conv := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)
	for _, tag := range []string{"b", "strong", "i", "em"} {
		conv.Register.RendererFor(tag, converter.TagTypeInline, renderPlain, converter.PriorityEarly)
	}
	return conv
}

func renderPlain(ctx converter.Context, w converter.Writer, n *html.Node) converter.RenderStatus {
	ctx.RenderChildNodes(ctx, w, n)
	return converter.RenderSuccess
}

func decodeSubject(h mail.Header) string {
	if subject, err := h.Subject(); err == nil {
		return subject
	}
	raw := h.Get("Subject")
	decoded, err := wordDecoder.DecodeHeader(raw)
	if err != nil {
		return raw
	}
	return decoded
}
