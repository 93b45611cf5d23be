// Package ingest drives the end-to-end path from a notification email
// to committed document revisions: watch the inbox, fetch the announced
// pages, normalize them and record the result in the version store and
// tag index.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"govwatch/internal/docstore"
	"govwatch/internal/fetch"
	"govwatch/internal/mailbox"
	"govwatch/internal/normalize"
	"govwatch/internal/tagindex"
)

// maxAttachments caps how many linked attachments one page pulls in.
const maxAttachments = 16

type Pipeline struct {
	Reader      *mailbox.Reader
	Fetcher     *fetch.Fetcher
	Store       *docstore.Store
	Index       *tagindex.Index
	TrackedHost string

	InboxDir     string
	PollInterval time.Duration
}

// Run polls the inbox until ctx is cancelled. A filesystem watcher
// picks up newly delivered messages immediately; the ticker is the
// fallback for events the watcher misses (inbox on NFS, messages left
// behind by a failed fetch).
func (p *Pipeline) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create inbox watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(p.InboxDir); err != nil {
		return fmt.Errorf("watch inbox: %w", err)
	}

	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-watcher.Events:
			if event.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				p.poll(ctx)
			}
		case err := <-watcher.Errors:
			log.Printf("ingest: inbox watcher: %v", err)
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Pipeline) poll(ctx context.Context) {
	processed, err := p.Reader.Poll(ctx, p.HandleChange)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("ingest: poll inbox: %v", err)
		return
	}
	if processed > 0 {
		log.Printf("ingest: processed %d messages", processed)
	}
}

// HandleChange fetches one announced document and commits it. An error
// leaves the originating message in the inbox so the next poll retries.
func (p *Pipeline) HandleChange(ctx context.Context, change mailbox.Change) error {
	if change.URL.Host != p.TrackedHost {
		log.Printf("ingest: skipping untracked host %s", change.URL.Host)
		return nil
	}

	content, err := p.Fetcher.Fetch(ctx, change.URL.String())
	if err != nil {
		return fmt.Errorf("fetch %s: %w", change.URL, err)
	}

	meta := docstore.Meta{
		Change:    change.Change,
		Category:  change.Category,
		UpdatedAt: change.UpdatedAt,
	}
	normalized, err := p.commit(ctx, change.URL, content, meta)
	if err != nil {
		return err
	}
	if normalized != nil {
		p.commitAttachments(ctx, change.URL, normalized, meta)
	}
	return nil
}

// commit stores one fetched document and registers the resulting
// update. For HTML it returns the normalized bytes so attachments can
// be followed; pages without a recognisable content region are dropped
// with a log line rather than retried forever.
func (p *Pipeline) commit(ctx context.Context, docURL *url.URL, content fetch.RawContent, meta docstore.Meta) ([]byte, error) {
	body := content.Body
	var normalized []byte
	if content.IsHTML() {
		var err error
		normalized, err = normalize.Normalize(body)
		if errors.Is(err, normalize.ErrContentRegionMissing) {
			log.Printf("ingest: %s has no content region, skipping", docURL)
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("normalize %s: %w", docURL, err)
		}
		body = normalized
	}

	docPath := documentPath(docURL, content.IsHTML())
	prev, hadPrev, err := p.Store.Head(docPath)
	if err != nil {
		return nil, fmt.Errorf("read head of %s: %w", docPath, err)
	}

	// Git stores commit times at second precision; truncate so the
	// timestamp registered in the index is the same one history
	// reports back.
	ts := time.Now().UTC().Truncate(time.Second)
	id, created, err := p.Store.Commit(docPath, body, ts, meta)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", docPath, err)
	}
	if created && hadPrev {
		p.Index.Register(tagindex.Tagged{
			Update: docstore.Update{
				Path:      docPath,
				Previous:  prev,
				Current:   id,
				Timestamp: ts,
				Change:    meta.Change,
				Category:  meta.Category,
			},
			Tags: tagindex.DeriveTags(docPath, meta.Category),
		})
	}
	return normalized, nil
}

// commitAttachments fetches the documents a normalized page links as
// attachments. Attachment failures never fail the page itself.
func (p *Pipeline) commitAttachments(ctx context.Context, base *url.URL, normalized []byte, meta docstore.Meta) {
	links, err := normalize.Attachments(normalized, base)
	if err != nil {
		log.Printf("ingest: extract attachments of %s: %v", base, err)
		return
	}
	if len(links) > maxAttachments {
		log.Printf("ingest: %s links %d attachments, keeping first %d", base, len(links), maxAttachments)
		links = links[:maxAttachments]
	}
	for _, link := range links {
		if link.Host != p.TrackedHost {
			continue
		}
		content, err := p.Fetcher.Fetch(ctx, link.String())
		if err != nil {
			log.Printf("ingest: fetch attachment %s: %v", link, err)
			continue
		}
		if _, err := p.commit(ctx, link, content, meta); err != nil {
			log.Printf("ingest: commit attachment %s: %v", link, err)
		}
	}
}

// documentPath maps a tracked URL onto a store path: the host followed
// by the URL path, with ".html" appended to extensionless HTML pages so
// a page and a directory of its attachments never collide.
func documentPath(u *url.URL, isHTML bool) string {
	trimmed := strings.Trim(u.Path, "/")
	if trimmed == "" {
		trimmed = "index"
	}
	docPath := u.Host + "/" + trimmed
	if isHTML && path.Ext(trimmed) == "" {
		docPath += ".html"
	}
	return docPath
}
