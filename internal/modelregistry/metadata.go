package modelregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/opencontainers/go-digest"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/artifacts"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/ocidist"
)

// ErrInvalidMetadata is returned by [MetadataStore.PutMetadata] when the
// metadata is not a JSON document.
var ErrInvalidMetadata = errors.New("metadata is not valid JSON")

// Record is the metadata extracted from one model manifest.
type Record struct {
	Repository ocidist.Repository
	Digest     digest.Digest
	Metadata   json.RawMessage
}

// MetadataStore is the table of model metadata, keyed by the manifest each
// record was extracted from.
type MetadataStore interface {
	PutMetadata(ctx context.Context, rec Record) error
	DeleteMetadata(ctx context.Context, repo ocidist.Repository, d digest.Digest) error

	// SearchMetadata returns the records of the given repository whose
	// metadata matches a JSON path query.
	SearchMetadata(ctx context.Context, repo ocidist.Repository, query string) ([]Record, error)
}

type metadataKey struct {
	repo   ocidist.Repository
	digest digest.Digest
}

type memoryRecord struct {
	Record
	doc any
}

// MemoryMetadata is a MetadataStore held in memory.
//
// A query is evaluated against a single-element array holding the record's
// metadata, so that filter expressions like $[?(@.framework == 'pytorch')]
// apply to the document itself. A record matches if the query selects
// anything.
type MemoryMetadata struct {
	mu      sync.RWMutex
	records map[metadataKey]memoryRecord
}

var _ MetadataStore = (*MemoryMetadata)(nil)

func NewMemoryMetadata() *MemoryMetadata {
	return &MemoryMetadata{records: make(map[metadataKey]memoryRecord)}
}

func (m *MemoryMetadata) PutMetadata(ctx context.Context, rec Record) error {
	doc, err := oj.Parse(rec.Metadata)
	if err != nil {
		return fmt.Errorf("%s@%s: %w: %s", rec.Repository, rec.Digest, ErrInvalidMetadata, err)
	}
	m.mu.Lock()
	m.records[metadataKey{rec.Repository, rec.Digest}] = memoryRecord{Record: rec, doc: doc}
	m.mu.Unlock()
	return nil
}

func (m *MemoryMetadata) DeleteMetadata(ctx context.Context, repo ocidist.Repository, d digest.Digest) error {
	m.mu.Lock()
	delete(m.records, metadataKey{repo, d})
	m.mu.Unlock()
	return nil
}

func (m *MemoryMetadata) SearchMetadata(ctx context.Context, repo ocidist.Repository, query string) ([]Record, error) {
	expr, err := jp.ParseString(query)
	if err != nil {
		return nil, artifacts.Malformed("invalid query: %s", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var ret []Record
	for key, rec := range m.records {
		if key.repo != repo {
			continue
		}
		if len(expr.Get([]any{rec.doc})) > 0 {
			ret = append(ret, rec.Record)
		}
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Digest < ret[j].Digest
	})
	return ret, nil
}
