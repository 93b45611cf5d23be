package mailbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testReader(t *testing.T, confirm ConfirmFunc) (*Reader, string, string, string) {
	t.Helper()
	base := t.TempDir()
	inbox := filepath.Join(base, "inbox")
	outbox := filepath.Join(base, "outbox")
	quarantine := filepath.Join(base, "quarantine")

	subs, err := OpenSubscriptionStore(filepath.Join(base, "subs.db"))
	if err != nil {
		t.Fatalf("open subscription store: %v", err)
	}
	t.Cleanup(func() { subs.Close() })

	reader, err := NewReader(ReaderConfig{
		InboxDir:      inbox,
		OutboxDir:     outbox,
		QuarantineDir: quarantine,
		TrackedHost:   "www.gov.uk",
		ConfirmPrefix: "https://www.gov.uk/email/subscriptions/confirm",
		Confirm:       confirm,
		Subscriptions: subs,
	})
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	return reader, inbox, outbox, quarantine
}

func writeMessage(t *testing.T, inbox, name, htmlBody string) {
	t.Helper()
	raw := "From: GOV.UK <no-reply@gov.uk>\r\n" +
		"To: alerts@example.org\r\n" +
		"Content-Type: text/html; charset=UTF-8\r\n" +
		"\r\n" +
		htmlBody
	path := filepath.Join(inbox, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPollMovesProcessedToOutbox(t *testing.T) {
	reader, inbox, outbox, _ := testReader(t, nil)
	writeMessage(t, inbox, "1.eml", singleUpdateHTML)

	var handled []Change
	processed, err := reader.Poll(context.Background(), func(ctx context.Context, c Change) error {
		handled = append(handled, c)
		return nil
	})
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if processed != 1 || len(handled) != 1 {
		t.Fatalf("processed = %d, handled = %d", processed, len(handled))
	}
	if _, err := os.Stat(filepath.Join(outbox, "1.eml")); err != nil {
		t.Errorf("processed message not in outbox: %v", err)
	}
	if _, err := os.Stat(filepath.Join(inbox, "1.eml")); !os.IsNotExist(err) {
		t.Errorf("processed message still in inbox")
	}
}

func TestPollQuarantinesMalformedAndProcessesRest(t *testing.T) {
	reader, inbox, outbox, quarantine := testReader(t, nil)
	if err := os.WriteFile(filepath.Join(inbox, "bad.eml"), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeMessage(t, inbox, "good.eml", singleUpdateHTML)

	processed, err := reader.Poll(context.Background(), func(ctx context.Context, c Change) error { return nil })
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if processed != 1 {
		t.Fatalf("processed = %d, want 1", processed)
	}
	if _, err := os.Stat(filepath.Join(quarantine, "bad.eml")); err != nil {
		t.Errorf("malformed message not quarantined: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outbox, "good.eml")); err != nil {
		t.Errorf("well-formed message not processed: %v", err)
	}
}

func TestPollRetriesFailedHandle(t *testing.T) {
	reader, inbox, outbox, _ := testReader(t, nil)
	writeMessage(t, inbox, "1.eml", singleUpdateHTML)

	calls := 0
	fail := func(ctx context.Context, c Change) error {
		calls++
		return errors.New("fetch failed")
	}
	if processed, err := reader.Poll(context.Background(), fail); err != nil || processed != 0 {
		t.Fatalf("Poll() = %d, %v", processed, err)
	}
	if _, err := os.Stat(filepath.Join(inbox, "1.eml")); err != nil {
		t.Fatalf("failed message should stay in inbox: %v", err)
	}

	ok := func(ctx context.Context, c Change) error { return nil }
	if processed, err := reader.Poll(context.Background(), ok); err != nil || processed != 1 {
		t.Fatalf("retry Poll() = %d, %v", processed, err)
	}
	if _, err := os.Stat(filepath.Join(outbox, "1.eml")); err != nil {
		t.Errorf("retried message not in outbox: %v", err)
	}
	if calls != 1 {
		t.Errorf("handle called %d times on first poll, want 1", calls)
	}
}

func TestPollConfirmationFollowedOnce(t *testing.T) {
	var followed []string
	reader, inbox, outbox, _ := testReader(t, func(ctx context.Context, url string) error {
		followed = append(followed, url)
		return nil
	})
	confirmHTML := `<html><body>
<p>Confirm your subscription</p>
<a href="https://www.gov.uk/email/subscriptions/confirm?token=t1">Confirm</a>
</body></html>`
	writeMessage(t, inbox, "confirm.eml", confirmHTML)

	for i := 0; i < 2; i++ {
		if _, err := reader.Poll(context.Background(), func(ctx context.Context, c Change) error { return nil }); err != nil {
			t.Fatalf("Poll() error = %v", err)
		}
	}
	if len(followed) != 1 {
		t.Fatalf("confirmation followed %d times, want 1", len(followed))
	}
	if followed[0] != "https://www.gov.uk/email/subscriptions/confirm?token=t1" {
		t.Errorf("followed = %q", followed[0])
	}
	if _, err := os.Stat(filepath.Join(outbox, "confirm.eml")); err != nil {
		t.Errorf("confirmation not archived: %v", err)
	}

	confirmed, err := reader.subs.IsConfirmed(context.Background(), "alerts@example.org")
	if err != nil || !confirmed {
		t.Errorf("IsConfirmed() = %v, %v, want true", confirmed, err)
	}
}

func TestPollReadsRecipientSubdirectories(t *testing.T) {
	reader, inbox, outbox, _ := testReader(t, nil)
	writeMessage(t, inbox, filepath.Join("alerts@example.org", "1.eml"), singleUpdateHTML)

	processed, err := reader.Poll(context.Background(), func(ctx context.Context, c Change) error { return nil })
	if err != nil || processed != 1 {
		t.Fatalf("Poll() = %d, %v", processed, err)
	}
	if _, err := os.Stat(filepath.Join(outbox, "alerts@example.org", "1.eml")); err != nil {
		t.Errorf("message from subdirectory not in outbox: %v", err)
	}
}
