package mailproto

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

var ErrNoTextPart = errors.New("no text/plain part")

// TextBody returns the decoded text/plain part of the RFC 5322 message raw.
// Transfer encodings and charsets are undone, so the result is the same text
// the mail APIs receive as their text body.
func TextBody(raw string) (string, error) {
	mr, err := mail.CreateReader(strings.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", err
	}
	defer func() {
		_ = mr.Close()
	}()

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return "", ErrNoTextPart
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return "", err
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		// no Content-Type means text/plain
		if h.Get("Content-Type") != "" {
			mediaType, _, err := h.ContentType()
			if err != nil || mediaType != "text/plain" {
				continue
			}
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return "", err
		}
		return string(body), nil
	}
}

// DecodeText wraps sink so it receives TextBody of every delivered message.
// A body that does not parse as a message is delivered unchanged.
func DecodeText(sink Sink) Sink {
	if sink == nil {
		return nil
	}
	return SinkFunc(func(ctx context.Context, raw string) {
		text, err := TextBody(raw)
		if err != nil {
			slog.DebugContext(ctx, "delivering raw mail", "reason", err)
			text = raw
		}
		sink.Deliver(ctx, text)
	})
}
