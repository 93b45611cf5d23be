package mailbox

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
)

// parsedMessage is the decoded form of one inbox file.
type parsedMessage struct {
	// Recipient is the subscribed address the notification was sent to.
	Recipient string
	// HTML is the decoded text/html body.
	HTML string
}

// parseMessage parses one RFC-822 message, walks its MIME structure and
// returns the decoded text/html part.
func parseMessage(raw []byte) (parsedMessage, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return parsedMessage{}, fmt.Errorf("parse message: %w", err)
	}

	recipient := ""
	if addrs, err := msg.Header.AddressList("To"); err == nil && len(addrs) > 0 {
		recipient = strings.ToLower(addrs[0].Address)
	}

	html, err := htmlPart(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body)
	if err != nil {
		return parsedMessage{}, err
	}
	return parsedMessage{Recipient: recipient, HTML: html}, nil
}

// htmlPart finds the text/html part of a possibly nested multipart
// body and decodes its transfer encoding.
func htmlPart(contentType, transferEncoding string, body io.Reader) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("parse content type %q: %w", contentType, err)
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return "", fmt.Errorf("multipart message without boundary")
		}
		reader := multipart.NewReader(body, boundary)
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return "", fmt.Errorf("read multipart: %w", err)
			}
			html, err := htmlPart(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"), part)
			if err == nil && html != "" {
				return html, nil
			}
		}
		return "", fmt.Errorf("message has no text/html part")
	}

	if mediaType != "text/html" {
		return "", fmt.Errorf("not a text/html part")
	}

	decoded, err := decodeTransferEncoding(transferEncoding, body)
	if err != nil {
		return "", fmt.Errorf("decode body: %w", err)
	}
	return string(decoded), nil
}

func decodeTransferEncoding(encoding string, body io.Reader) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(body))
	case "base64":
		return io.ReadAll(base64.NewDecoder(base64.StdEncoding, newBase64Cleaner(body)))
	default:
		return io.ReadAll(body)
	}
}

// base64Cleaner strips the line breaks mail agents insert into base64
// bodies so the stdlib decoder sees a continuous stream.
type base64Cleaner struct {
	r io.Reader
}

func newBase64Cleaner(r io.Reader) io.Reader {
	return &base64Cleaner{r: r}
}

func (c *base64Cleaner) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	kept := 0
	for i := 0; i < n; i++ {
		if p[i] == '\r' || p[i] == '\n' {
			continue
		}
		p[kept] = p[i]
		kept++
	}
	if kept == 0 && err == nil && n > 0 {
		return c.Read(p)
	}
	return kept, err
}
