package qdrant

import (
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/triage/vectorstore"
)

func TestBuildQdrantFilter(t *testing.T) {
	t.Parallel()

	assert.Nil(t, buildQdrantFilter(vectorstore.SearchFilter{MinScore: 0.5}))

	f := buildQdrantFilter(vectorstore.SearchFilter{SourceIDs: []string{"src-1"}})
	require.Len(t, f.Must, 1)
	field := f.Must[0].GetField()
	assert.Equal(t, "source_id", field.Key)
	assert.Equal(t, "src-1", field.Match.GetKeyword())

	f = buildQdrantFilter(vectorstore.SearchFilter{
		SourceIDs: []string{"src-1", "src-2"},
		Metadata:  map[string]any{"lang": "it"},
	})
	require.Len(t, f.Must, 2)
	assert.Equal(t, []string{"src-1", "src-2"}, f.Must[0].GetField().Match.GetKeywords().GetStrings())
	assert.Equal(t, "lang", f.Must[1].GetField().Key)
	assert.Equal(t, "it", f.Must[1].GetField().Match.GetKeyword())
}

func TestMatchValue(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(3), matchValue(3).GetInteger())
	assert.True(t, matchValue(true).GetBoolean())
	assert.Equal(t, "1.5", matchValue(1.5).GetKeyword())
}

func TestToResult(t *testing.T) {
	t.Parallel()

	point := &qdrant.ScoredPoint{
		Id:    qdrant.NewIDUUID("7c9e6679-7425-40de-944b-e07fc1f90ae7"),
		Score: 0.82,
		Payload: map[string]*qdrant.Value{
			"content":     qdrant.NewValueString("Assistenza 24/7 per i clienti business."),
			"source_id":   qdrant.NewValueString("src-1"),
			"document_id": qdrant.NewValueString("doc-9"),
			"page":        qdrant.NewValueInt(4),
		},
	}

	res := toResult(point)
	assert.Equal(t, "7c9e6679-7425-40de-944b-e07fc1f90ae7", res.ID)
	assert.Equal(t, "Assistenza 24/7 per i clienti business.", res.Content)
	assert.Equal(t, "src-1", res.SourceID)
	assert.Equal(t, "doc-9", res.DocumentID)
	assert.Equal(t, map[string]any{"page": int64(4)}, res.Metadata)

	res = toResult(&qdrant.ScoredPoint{Id: qdrant.NewIDNum(42)})
	assert.Equal(t, "42", res.ID)
}

func TestParseAddress(t *testing.T) {
	t.Parallel()

	cfg, err := parseAddress("qdrant.internal")
	require.NoError(t, err)
	assert.Equal(t, "qdrant.internal", cfg.Host)
	assert.Equal(t, 6334, cfg.Port)
	assert.True(t, cfg.UseTLS)

	cfg, err = parseAddress("http://localhost:7334")
	require.NoError(t, err)
	assert.Equal(t, 7334, cfg.Port)
	assert.False(t, cfg.UseTLS)

	_, err = parseAddress("http://localhost:abc")
	require.Error(t, err)
}
