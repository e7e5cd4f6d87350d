package core

import (
	"net/http"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
	"github.com/xkilldash9x/scalpel-capture/internal/dedup"
)

// InspectionGate decides whether a grep plugin should spend effort on a
// transaction: only successful textual responses, and each URI at most once.
// Each plugin instance owns its own gate.
type InspectionGate struct {
	seen *dedup.ScalableBloomFilter
}

// NewInspectionGate builds a gate backed by a scalable bloom filter.
func NewInspectionGate(cfg dedup.Config) (*InspectionGate, error) {
	f, err := dedup.New(cfg)
	if err != nil {
		return nil, err
	}
	return &InspectionGate{seen: f}, nil
}

// Admit reports whether tx should be inspected, recording its URI when it is.
func (g *InspectionGate) Admit(tx schemas.Transaction) bool {
	resp := tx.Response
	if resp.StatusCode != http.StatusOK || !resp.IsTextOrHTML() {
		return false
	}
	return !g.seen.TestAndAdd(resp.URI())
}

// Seen returns the number of distinct URIs admitted so far.
func (g *InspectionGate) Seen() int {
	return g.seen.Len()
}
