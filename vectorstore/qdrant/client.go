// Package qdrant implements vectorstore.VectorStore on a Qdrant collection.
package qdrant

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"github.com/creastat/triage/vectorstore"
)

// Payload fields written by the ingestion pipeline.
const (
	fieldContent    = "content"
	fieldSourceID   = "source_id"
	fieldDocumentID = "document_id"

	defaultGRPCPort = 6334
)

// Config holds Qdrant connection configuration.
type Config struct {
	// URL is the Qdrant gRPC address, e.g. "https://example.qdrant.io:6334".
	// A bare host is treated as https.
	URL            string
	CollectionName string
	APIKey         string
}

// Client implements vectorstore.VectorStore for Qdrant.
type Client struct {
	client         *qdrant.Client
	collectionName string
}

// New creates a new Qdrant client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("qdrant collection is required")
	}

	qcfg, err := parseAddress(cfg.URL)
	if err != nil {
		return nil, err
	}
	qcfg.APIKey = cfg.APIKey

	qdrantClient, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &Client{
		client:         qdrantClient,
		collectionName: cfg.CollectionName,
	}, nil
}

func parseAddress(raw string) (*qdrant.Config, error) {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse qdrant url: %w", err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("qdrant url %q has no host", raw)
	}

	port := defaultGRPCPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port: %w", err)
		}
	}

	return &qdrant.Config{
		Host:   u.Hostname(),
		Port:   port,
		UseTLS: u.Scheme == "https",
	}, nil
}

// Search implements vectorstore.VectorStore.
func (c *Client) Search(ctx context.Context, vector []float32, filter vectorstore.SearchFilter, limit int) ([]vectorstore.SearchResult, error) {
	n := uint64(limit)
	query := &qdrant.QueryPoints{
		CollectionName: c.collectionName,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &n,
		Filter:         buildQdrantFilter(filter),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if filter.MinScore > 0 {
		threshold := filter.MinScore
		query.ScoreThreshold = &threshold
	}

	points, err := c.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	results := make([]vectorstore.SearchResult, 0, len(points))
	for _, point := range points {
		if filter.MinScore > 0 && point.Score < filter.MinScore {
			continue
		}
		results = append(results, toResult(point))
	}
	return results, nil
}

// Close implements vectorstore.VectorStore.
func (c *Client) Close() error {
	return c.client.Close()
}

func toResult(point *qdrant.ScoredPoint) vectorstore.SearchResult {
	result := vectorstore.SearchResult{
		Score:    point.Score,
		Metadata: make(map[string]any),
	}

	if point.Id != nil {
		if id := point.Id.GetUuid(); id != "" {
			result.ID = id
		} else {
			result.ID = strconv.FormatUint(point.Id.GetNum(), 10)
		}
	}

	for k, v := range point.Payload {
		switch k {
		case fieldContent:
			result.Content = v.GetStringValue()
		case fieldSourceID:
			result.SourceID = v.GetStringValue()
		case fieldDocumentID:
			result.DocumentID = v.GetStringValue()
		default:
			result.Metadata[k] = extractValue(v)
		}
	}
	return result
}

// buildQdrantFilter converts SearchFilter to a Qdrant filter, or nil when
// nothing restricts the search.
func buildQdrantFilter(filter vectorstore.SearchFilter) *qdrant.Filter {
	var conditions []*qdrant.Condition

	switch len(filter.SourceIDs) {
	case 0:
	case 1:
		conditions = append(conditions, fieldCondition(fieldSourceID,
			&qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: filter.SourceIDs[0]}}))
	default:
		keywords := append([]string(nil), filter.SourceIDs...)
		conditions = append(conditions, fieldCondition(fieldSourceID,
			&qdrant.Match{MatchValue: &qdrant.Match_Keywords{Keywords: &qdrant.RepeatedStrings{Strings: keywords}}}))
	}

	for key, value := range filter.Metadata {
		conditions = append(conditions, fieldCondition(key, matchValue(value)))
	}

	if len(conditions) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: conditions}
}

func fieldCondition(key string, match *qdrant.Match) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{Key: key, Match: match},
		},
	}
}

func matchValue(value any) *qdrant.Match {
	switch v := value.(type) {
	case string:
		return &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: v}}
	case int:
		return &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: int64(v)}}
	case int64:
		return &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: v}}
	case bool:
		return &qdrant.Match{MatchValue: &qdrant.Match_Boolean{Boolean: v}}
	default:
		return &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: fmt.Sprint(v)}}
	}
}

// extractValue converts a payload value to a plain Go value.
func extractValue(v *qdrant.Value) any {
	if v == nil {
		return nil
	}
	switch val := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue
	case *qdrant.Value_BoolValue:
		return val.BoolValue
	default:
		return nil
	}
}

var _ vectorstore.VectorStore = (*Client)(nil)
