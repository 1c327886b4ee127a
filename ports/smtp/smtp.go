// Package smtp implements ports.Email on an SMTP relay.
package smtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/tallybook/flowengine/ports"
)

type Options struct {
	// Addr is host:port of the relay.
	Addr     string
	Username string
	Password string

	// From is used when a message does not set its own sender.
	From string

	Clock clock.Clock
}

type sender struct {
	options Options
	send    func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func New(options Options) ports.Email {
	if options.Clock == nil {
		options.Clock = clock.New()
	}

	return &sender{
		options: options,
		send:    smtp.SendMail,
	}
}

func (s *sender) Send(ctx context.Context, msg ports.EmailMessage) (*ports.EmailResult, error) {
	if len(msg.To) == 0 {
		return nil, errors.New("email has no recipients")
	}

	from := msg.From
	if from == "" {
		from = s.options.From
	}

	if from == "" {
		return nil, errors.New("email has no sender")
	}

	host, _, err := net.SplitHostPort(s.options.Addr)
	if err != nil {
		return nil, fmt.Errorf("parsing smtp address: %w", err)
	}

	var auth smtp.Auth
	if s.options.Username != "" {
		auth = smtp.PlainAuth("", s.options.Username, s.options.Password, host)
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), host)
	body := s.compose(messageID, from, msg)

	// SendMail does not take a context, so cancellation is only observed before sending
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := s.send(s.options.Addr, auth, from, msg.To, body); err != nil {
		return nil, fmt.Errorf("sending email: %w", err)
	}

	return &ports.EmailResult{MessageID: messageID}, nil
}

func (s *sender) compose(messageID, from string, msg ports.EmailMessage) []byte {
	var b bytes.Buffer

	header := func(k, v string) {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}

	header("Message-ID", messageID)
	header("Date", s.options.Clock.Now().Format(time.RFC1123Z))
	header("From", from)
	header("To", strings.Join(msg.To, ", "))
	if msg.ReplyTo != "" {
		header("Reply-To", msg.ReplyTo)
	}
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("MIME-Version", "1.0")

	if msg.HTML != "" && msg.Text != "" {
		mw := multipart.NewWriter(&b)
		header("Content-Type", mime.FormatMediaType("multipart/alternative", map[string]string{"boundary": mw.Boundary()}))
		b.WriteString("\r\n")

		// Least preferred alternative first
		writePart(mw, "text/plain", msg.Text)
		writePart(mw, "text/html", msg.HTML)
		mw.Close()

		return b.Bytes()
	}

	contentType, content := "text/plain", msg.Text
	if msg.HTML != "" {
		contentType, content = "text/html", msg.HTML
	}
	header("Content-Type", contentType+"; charset=utf-8")

	b.WriteString("\r\n")
	b.WriteString(content)

	return b.Bytes()
}

// writePart appends a part to a message buffered in memory, which cannot fail to write.
func writePart(mw *multipart.Writer, contentType, content string) {
	w, _ := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {contentType + "; charset=utf-8"}})
	io.WriteString(w, content)
}
