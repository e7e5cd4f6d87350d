// Package kb is the scan-wide store of findings, keyed by producing plugin and
// category. Plugins append to it and consult it for cross-plugin correlation;
// reporters read it at scan end.
package kb

import (
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
)

// Key addresses one ordered list of findings.
type Key struct {
	Producer string
	Category string
}

// Field selects the finding attribute Unique collapses on.
type Field int

const (
	ByURL Field = iota
	ByURI
	ByName
)

func (f Field) String() string {
	switch f {
	case ByURL:
		return "url"
	case ByURI:
		return "uri"
	case ByName:
		return "name"
	default:
		return "unknown"
	}
}

func (f Field) value(finding schemas.Finding) string {
	switch f {
	case ByURI:
		return finding.URI
	case ByName:
		return finding.Name
	default:
		return finding.URL
	}
}

// KnowledgeBase is append-only and safe for concurrent use.
type KnowledgeBase struct {
	mu      sync.RWMutex
	entries map[Key][]schemas.Finding
	log     []schemas.Finding // every append, scan-wide insertion order
	order   []Key

	subMu       sync.RWMutex
	subscribers []func(schemas.Finding)
}

// New returns an empty knowledge base.
func New() *KnowledgeBase {
	return &KnowledgeBase{entries: make(map[Key][]schemas.Finding)}
}

// Append stores f under (producer, category). Subscribers are notified after the
// write is visible to readers.
func (kb *KnowledgeBase) Append(producer, category string, f schemas.Finding) {
	if f.Highlight != nil {
		f.Highlight = append([]string(nil), f.Highlight...)
	}

	kb.mu.Lock()
	k := Key{Producer: producer, Category: category}
	if _, ok := kb.entries[k]; !ok {
		kb.order = append(kb.order, k)
	}
	kb.entries[k] = append(kb.entries[k], f)
	kb.log = append(kb.log, f)
	kb.mu.Unlock()

	kb.subMu.RLock()
	subs := kb.subscribers
	kb.subMu.RUnlock()
	for _, fn := range subs {
		fn(f)
	}
}

// Subscribe registers fn to be called after every successful Append. Callbacks run
// on the appending goroutine and must not call Subscribe.
func (kb *KnowledgeBase) Subscribe(fn func(schemas.Finding)) {
	kb.subMu.Lock()
	defer kb.subMu.Unlock()
	// Copy on write so Append can iterate without holding the lock.
	next := make([]func(schemas.Finding), len(kb.subscribers), len(kb.subscribers)+1)
	copy(next, kb.subscribers)
	kb.subscribers = append(next, fn)
}

// Get returns a snapshot of the findings under (producer, category).
func (kb *KnowledgeBase) Get(producer, category string) []schemas.Finding {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return clone(kb.entries[Key{Producer: producer, Category: category}])
}

// Has reports whether anything was appended under (producer, category).
func (kb *KnowledgeBase) Has(producer, category string) bool {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.entries[Key{Producer: producer, Category: category}]) > 0
}

// All returns every finding in insertion order.
func (kb *KnowledgeBase) All() []schemas.Finding {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return clone(kb.log)
}

// AllVulns returns every vulnerability across producers in insertion order.
func (kb *KnowledgeBase) AllVulns() []schemas.Finding {
	return kb.filter(schemas.KindVuln)
}

// AllInfos returns every informational finding across producers in insertion order.
func (kb *KnowledgeBase) AllInfos() []schemas.Finding {
	return kb.filter(schemas.KindInfo)
}

func (kb *KnowledgeBase) filter(kind schemas.FindingKind) []schemas.Finding {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	out := make([]schemas.Finding, 0)
	for _, f := range kb.log {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// Keys lists the populated (producer, category) pairs in first-append order.
func (kb *KnowledgeBase) Keys() []Key {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return append([]Key(nil), kb.order...)
}

// Len returns the total number of findings.
func (kb *KnowledgeBase) Len() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.log)
}

// Unique keeps the first finding for each distinct value of field, preserving order.
func Unique(findings []schemas.Finding, field Field) []schemas.Finding {
	seen := make(map[string]struct{}, len(findings))
	out := make([]schemas.Finding, 0, len(findings))
	for _, f := range findings {
		v := field.value(f)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, f)
	}
	return out
}

// PrintUnique logs one line per distinct field value and returns what was printed.
func PrintUnique(logger *zap.Logger, findings []schemas.Finding, field Field) []schemas.Finding {
	uniq := Unique(findings, field)
	for _, f := range uniq {
		logger.Info(f.Name,
			zap.String("plugin", f.Plugin),
			zap.String(field.String(), field.value(f)),
			zap.String("description", f.Description),
		)
	}
	return uniq
}

func clone(in []schemas.Finding) []schemas.Finding {
	out := make([]schemas.Finding, len(in))
	copy(out, in)
	return out
}
