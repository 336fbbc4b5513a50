// Package search provides the full-text index over archival memory entries.
// The index is held in memory and rebuilt from the backing store on startup;
// the store remains the source of truth.
package search

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
)

// Index is a full-text index of archival entries, scoped by agent.
type Index struct {
	idx bleve.Index
}

type document struct {
	AgentID string `json:"agent_id"`
	Content string `json:"content"`
}

// New creates an empty in-memory index.
func New() (*Index, error) {
	indexMapping := mapping.NewIndexMapping()

	docMapping := mapping.NewDocumentMapping()

	agentField := mapping.NewTextFieldMapping()
	agentField.Analyzer = keyword.Name
	docMapping.AddFieldMappingsAt("agent_id", agentField)

	contentField := mapping.NewTextFieldMapping()
	contentField.Analyzer = "en"
	docMapping.AddFieldMappingsAt("content", contentField)

	indexMapping.DefaultMapping = docMapping

	idx, err := bleve.NewMemOnly(indexMapping)
	if err != nil {
		return nil, fmt.Errorf("creating bleve index: %w", err)
	}

	return &Index{idx: idx}, nil
}

// Add indexes one archival entry. Indexing the same entry ID again replaces
// the previous document.
func (i *Index) Add(entryID, agentID, content string) error {
	return i.idx.Index(entryID, document{
		AgentID: agentID,
		Content: content,
	})
}

// Remove drops an entry from the index. Removing an unknown ID is a no-op.
func (i *Index) Remove(entryID string) error {
	return i.idx.Delete(entryID)
}

// Search returns the IDs of the agent's entries matching the query, best
// match first. An empty query matches all of the agent's entries.
func (i *Index) Search(agentID, query string, limit int) ([]string, error) {
	agentQuery := bleve.NewTermQuery(agentID)
	agentQuery.SetField("agent_id")

	var request *bleve.SearchRequest
	if query == "" {
		request = bleve.NewSearchRequest(agentQuery)
	} else {
		contentQuery := bleve.NewMatchQuery(query)
		contentQuery.SetField("content")
		request = bleve.NewSearchRequest(bleve.NewConjunctionQuery(agentQuery, contentQuery))
	}

	if limit <= 0 {
		limit = 100
	}
	request.Size = limit

	results, err := i.idx.Search(request)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	ids := make([]string, 0, len(results.Hits))
	for _, hit := range results.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Close releases the index.
func (i *Index) Close() error {
	return i.idx.Close()
}
