package workflow

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve"
)

// indexDoc is the searchable projection of a workflow definition.
type indexDoc struct {
	Name       string   `json:"name"`
	Operations []string `json:"operations"`
}

// Index is a full-text search index over the workflow library, so saved
// workflows can be found by task description or operation name.
type Index struct {
	mu  sync.RWMutex
	idx bleve.Index
}

// NewMemIndex creates an in-memory index.
func NewMemIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create workflow index: %w", err)
	}
	return &Index{idx: idx}, nil
}

// Add indexes one definition.
func (i *Index) Add(def Definition) error {
	doc := indexDoc{Name: def.Name}
	for _, n := range def.Nodes {
		doc.Operations = append(doc.Operations, n.Type)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.idx.Index(def.ID, doc)
}

// Search returns workflow IDs matching the query, best first.
func (i *Index) Search(q string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, limit, 0, false)
	i.mu.RLock()
	defer i.mu.RUnlock()
	res, err := i.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search workflows: %w", err)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, h := range res.Hits {
		ids = append(ids, h.ID)
	}
	return ids, nil
}

// Close releases the underlying index.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.idx.Close()
}
