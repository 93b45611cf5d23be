package mailbox

import (
	"bytes"
	"encoding/base64"
	"mime/quotedprintable"
	"strings"
	"testing"
)

func TestParseMessageMultipartQuotedPrintable(t *testing.T) {
	var qp bytes.Buffer
	w := quotedprintable.NewWriter(&qp)
	if _, err := w.Write([]byte("<p>Update on GOV.​UK.</p>")); err != nil {
		t.Fatal(err)
	}
	w.Close()

	raw := "From: GOV.UK <no-reply@gov.uk>\r\n" +
		"To: Alerts <ALERTS@example.org>\r\n" +
		"Subject: Update from GOV.UK\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=\"bnd\"\r\n" +
		"\r\n" +
		"--bnd\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n" +
		"\r\n" +
		"plain text fallback\r\n" +
		"--bnd\r\n" +
		"Content-Type: text/html; charset=UTF-8\r\n" +
		"Content-Transfer-Encoding: quoted-printable\r\n" +
		"\r\n" +
		qp.String() + "\r\n" +
		"--bnd--\r\n"

	msg, err := parseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("parseMessage() error = %v", err)
	}
	if msg.Recipient != "alerts@example.org" {
		t.Errorf("recipient = %q, want lowercased address", msg.Recipient)
	}
	if !strings.Contains(msg.HTML, "Update on GOV.​UK.") {
		t.Errorf("html part not decoded: %q", msg.HTML)
	}
}

func TestParseMessageBase64(t *testing.T) {
	body := "<html><body><p>hello</p></body></html>"
	enc := base64.StdEncoding.EncodeToString([]byte(body))
	// fold the base64 payload the way MTAs do
	var folded strings.Builder
	for i := 0; i < len(enc); i += 40 {
		end := i + 40
		if end > len(enc) {
			end = len(enc)
		}
		folded.WriteString(enc[i:end])
		folded.WriteString("\r\n")
	}

	raw := "From: a@b.c\r\n" +
		"To: inbox@example.org\r\n" +
		"Content-Type: text/html; charset=UTF-8\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		folded.String()

	msg, err := parseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("parseMessage() error = %v", err)
	}
	if msg.HTML != body {
		t.Errorf("html = %q, want %q", msg.HTML, body)
	}
}

func TestParseMessageNoHTMLPart(t *testing.T) {
	raw := "From: a@b.c\r\n" +
		"To: inbox@example.org\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"just plain text\r\n"

	if _, err := parseMessage([]byte(raw)); err == nil {
		t.Fatal("message without an html part should fail")
	}
}

func TestParseMessageMalformedHeaders(t *testing.T) {
	if _, err := parseMessage([]byte("not an email at all")); err == nil {
		t.Fatal("malformed message should fail")
	}
}
