// Package mailbox polls a filesystem inbox for notification emails
// dropped by the mail delivery agent, classifies them as subscription
// confirmations or update notifications, and hands extracted changes to
// the ingestion pipeline. Processed messages move to the outbox;
// unparseable ones move to a quarantine directory and never block the
// rest of the poll.
package mailbox

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// ConfirmFunc follows a subscription confirmation link.
type ConfirmFunc func(ctx context.Context, url string) error

// HandleFunc processes one extracted change. An error leaves the
// message in the inbox for the next poll.
type HandleFunc func(ctx context.Context, change Change) error

type Reader struct {
	inboxDir      string
	outboxDir     string
	quarantineDir string
	trackedHost   string
	confirmPrefix string
	confirm       ConfirmFunc
	subs          *SubscriptionStore
}

type ReaderConfig struct {
	InboxDir      string
	OutboxDir     string
	QuarantineDir string
	TrackedHost   string
	ConfirmPrefix string
	Confirm       ConfirmFunc
	Subscriptions *SubscriptionStore
}

func NewReader(cfg ReaderConfig) (*Reader, error) {
	for _, dir := range []string{cfg.InboxDir, cfg.OutboxDir, cfg.QuarantineDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create mailbox dir %s: %w", dir, err)
		}
	}
	return &Reader{
		inboxDir:      cfg.InboxDir,
		outboxDir:     cfg.OutboxDir,
		quarantineDir: cfg.QuarantineDir,
		trackedHost:   cfg.TrackedHost,
		confirmPrefix: cfg.ConfirmPrefix,
		confirm:       cfg.Confirm,
		subs:          cfg.Subscriptions,
	}, nil
}

// Poll processes every message currently in the inbox (including one
// level of per-recipient subdirectories) and returns the number of
// messages fully handled. A failure on one message never stops the
// others.
func (r *Reader) Poll(ctx context.Context, handle HandleFunc) (int, error) {
	entries, err := os.ReadDir(r.inboxDir)
	if err != nil {
		return 0, fmt.Errorf("read inbox: %w", err)
	}

	processed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if entry.IsDir() {
			subEntries, err := os.ReadDir(filepath.Join(r.inboxDir, entry.Name()))
			if err != nil {
				log.Printf("mailbox: read inbox dir %s: %v", entry.Name(), err)
				continue
			}
			for _, sub := range subEntries {
				if sub.IsDir() {
					continue
				}
				if r.processFile(ctx, filepath.Join(entry.Name(), sub.Name()), handle) {
					processed++
				}
			}
			continue
		}
		if r.processFile(ctx, entry.Name(), handle) {
			processed++
		}
	}
	return processed, nil
}

// processFile handles one message file. It reports whether the message
// was fully processed (and moved out of the inbox).
func (r *Reader) processFile(ctx context.Context, rel string, handle HandleFunc) bool {
	path := filepath.Join(r.inboxDir, rel)
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Printf("mailbox: read %s: %v", rel, err)
		return false
	}

	msg, err := parseMessage(raw)
	if err != nil {
		log.Printf("mailbox: quarantining %s: %v", rel, err)
		r.moveTo(r.quarantineDir, rel)
		return false
	}

	if msg.Recipient != "" && r.subs != nil {
		if err := r.subs.Ensure(ctx, msg.Recipient); err != nil {
			log.Printf("mailbox: record subscription %s: %v", msg.Recipient, err)
		}
	}

	if link := confirmationLink(msg.HTML, r.confirmPrefix); link != "" {
		return r.processConfirmation(ctx, rel, msg.Recipient, link)
	}

	changes, err := parseNotification(msg.HTML, r.trackedHost)
	if err != nil {
		log.Printf("mailbox: quarantining %s: %v", rel, err)
		r.moveTo(r.quarantineDir, rel)
		return false
	}

	for _, change := range changes {
		if err := handle(ctx, change); err != nil {
			// Leave the message in the inbox; the next poll retries.
			log.Printf("mailbox: processing %s (%s): %v", rel, change.URL, err)
			return false
		}
	}
	r.moveTo(r.outboxDir, rel)
	return true
}

// processConfirmation follows the confirmation link once and archives
// the message so it is never fetched again. Re-confirmation of an
// already-confirmed address is harmless, so a failed follow simply
// leaves the message for the next poll.
func (r *Reader) processConfirmation(ctx context.Context, rel, recipient, link string) bool {
	if r.confirm == nil {
		log.Printf("mailbox: no confirmation handler, quarantining %s", rel)
		r.moveTo(r.quarantineDir, rel)
		return false
	}
	if err := r.confirm(ctx, link); err != nil {
		log.Printf("mailbox: confirmation fetch for %s: %v", rel, err)
		return false
	}
	if recipient != "" && r.subs != nil {
		if err := r.subs.MarkConfirmed(ctx, recipient); err != nil {
			log.Printf("mailbox: confirm subscription %s: %v", recipient, err)
		}
	}
	r.moveTo(r.outboxDir, rel)
	return true
}

func (r *Reader) moveTo(destDir, rel string) {
	src := filepath.Join(r.inboxDir, rel)
	dest := filepath.Join(destDir, rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		log.Printf("mailbox: create dir for %s: %v", dest, err)
		return
	}
	if err := os.Rename(src, dest); err != nil {
		log.Printf("mailbox: move %s to %s: %v", src, dest, err)
	}
}
