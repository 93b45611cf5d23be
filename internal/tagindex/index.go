// Package tagindex maintains a prefix-searchable index from hierarchical
// topic paths to the updates filed under them. It is derived state: the
// version store's history can rebuild it at any time, so losing it costs
// recomputation, never data.
package tagindex

import (
	"encoding/binary"
	"path"
	"sort"
	"strings"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"

	"govwatch/internal/docstore"
)

// Tagged is an update together with the topic paths it is filed under.
type Tagged struct {
	docstore.Update
	Tags []string `json:"tags"`
}

type entry struct {
	update Tagged
	seq    uint64
}

// Index is an immutable radix tree keyed by "tag\x00seq". Registration
// swaps in a new root; queries walk whichever root they observe, so a
// query may see the state from just before or just after a concurrent
// registration.
type Index struct {
	mu   sync.RWMutex
	tree *iradix.Tree
	seq  uint64
}

func New() *Index {
	return &Index{tree: iradix.New()}
}

// Register files an update under each of its tags.
func (x *Index) Register(update Tagged) {
	x.mu.Lock()
	defer x.mu.Unlock()
	txn := x.tree.Txn()
	for _, tag := range update.Tags {
		if tag == "" {
			continue
		}
		x.seq++
		txn.Insert(indexKey(tag, x.seq), entry{update: update, seq: x.seq})
	}
	x.tree = txn.Commit()
}

// Rebuild replaces the whole index from replayed history.
func (x *Index) Rebuild(updates []Tagged) {
	fresh := New()
	for _, update := range updates {
		fresh.Register(update)
	}
	x.mu.Lock()
	x.tree = fresh.tree
	x.seq = fresh.seq
	x.mu.Unlock()
}

// Query returns the updates filed under prefix or any more specific
// sub-tag, most recent first. Prefix matching is segment-aware: "a"
// covers "a" and "a/b" but not "ax". The empty prefix returns every
// update once. limit <= 0 means no limit.
func (x *Index) Query(prefix string, limit int) []Tagged {
	x.mu.RLock()
	root := x.tree.Root()
	x.mu.RUnlock()

	prefix = strings.Trim(prefix, "/")
	var matched []entry
	seen := make(map[string]bool)
	root.WalkPrefix([]byte(prefix), func(key []byte, value interface{}) bool {
		tag, _, ok := strings.Cut(string(key), "\x00")
		if !ok || !tagMatches(tag, prefix) {
			return false
		}
		e := value.(entry)
		dedupe := e.update.Path + "\x00" + string(e.update.Current)
		if seen[dedupe] {
			return false
		}
		seen[dedupe] = true
		matched = append(matched, e)
		return false
	})

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].update.Timestamp.Equal(matched[j].update.Timestamp) {
			return matched[i].update.Timestamp.After(matched[j].update.Timestamp)
		}
		return matched[i].seq > matched[j].seq
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	results := make([]Tagged, len(matched))
	for i, e := range matched {
		results[i] = e.update
	}
	return results
}

// Tags lists every distinct tag, sorted.
func (x *Index) Tags() []string {
	x.mu.RLock()
	root := x.tree.Root()
	x.mu.RUnlock()

	seen := make(map[string]bool)
	root.Walk(func(key []byte, value interface{}) bool {
		if tag, _, ok := strings.Cut(string(key), "\x00"); ok {
			seen[tag] = true
		}
		return false
	})
	tags := make([]string, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// DeriveTags computes the topic paths for an update: its notification
// category (falling back to "unknown", as the source feed sometimes
// omits one) and the document's URL-derived taxonomy path.
func DeriveTags(docPath, category string) []string {
	tags := make([]string, 0, 2)
	category = strings.TrimSpace(category)
	if category == "" {
		category = "unknown"
	}
	tags = append(tags, category)
	if topic := path.Dir(strings.Trim(docPath, "/")); topic != "." && topic != "" {
		tags = append(tags, topic)
	}
	return tags
}

func tagMatches(tag, prefix string) bool {
	if prefix == "" || tag == prefix {
		return true
	}
	return strings.HasPrefix(tag, prefix+"/")
}

func indexKey(tag string, seq uint64) []byte {
	key := make([]byte, 0, len(tag)+9)
	key = append(key, tag...)
	key = append(key, 0)
	key = binary.BigEndian.AppendUint64(key, seq)
	return key
}
