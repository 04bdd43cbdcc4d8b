package aggregate

import (
	"slices"
	"sync"

	"receiptpipe/internal/extraction"
)

// Accumulator buffers extraction results per document as they arrive and
// recomputes the merged record on every arrival. Appends for the same
// document are serialized with a per-document lock; different documents
// never block one another.
type Accumulator struct {
	merger *Merger

	mu   sync.RWMutex
	docs map[string]*documentResults
}

type documentResults struct {
	mu      sync.Mutex
	results []extraction.Result
}

// NewAccumulator creates an Accumulator that merges with the given Merger.
func NewAccumulator(merger *Merger) *Accumulator {
	return &Accumulator{
		merger: merger,
		docs:   make(map[string]*documentResults),
	}
}

// entry returns the buffer for a document, creating it on first use.
func (a *Accumulator) entry(documentID string) *documentResults {
	a.mu.RLock()
	doc, ok := a.docs[documentID]
	a.mu.RUnlock()
	if ok {
		return doc
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if doc, ok = a.docs[documentID]; !ok {
		doc = &documentResults{}
		a.docs[documentID] = doc
	}
	return doc
}

// Add appends a result to its document's buffer and recomputes the merged
// record from the full accumulated set. Append and merge happen atomically
// with respect to other arrivals for the same document. Duplicate results
// from one source are appended as-is; the buffer grows monotonically until
// Reset.
func (a *Accumulator) Add(result extraction.Result) (*MergedRecord, *AggregationContext, error) {
	doc := a.entry(result.DocumentID)
	doc.mu.Lock()
	defer doc.mu.Unlock()

	doc.results = append(doc.results, result)
	return a.merger.Merge(doc.results)
}

// Merge recomputes the merged record from the currently accumulated set
// without adding anything.
func (a *Accumulator) Merge(documentID string) (*MergedRecord, *AggregationContext, error) {
	doc := a.entry(documentID)
	doc.mu.Lock()
	defer doc.mu.Unlock()

	return a.merger.Merge(doc.results)
}

// Results returns a snapshot of the accumulated results for a document.
func (a *Accumulator) Results(documentID string) []extraction.Result {
	doc := a.entry(documentID)
	doc.mu.Lock()
	defer doc.mu.Unlock()

	return slices.Clone(doc.results)
}

// Reset drops all accumulated results for a document. Required before
// reprocessing the same document id within a long-lived process, and the
// eviction point that bounds memory across runs.
func (a *Accumulator) Reset(documentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.docs, documentID)
}
