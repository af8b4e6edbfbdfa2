package es

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v9"

	"github.com/Skotchmaster/pdf_translator/internal/models"
)

const jobMapping = `{
  "mappings": {
    "properties": {
      "job_id":     {"type": "keyword"},
      "owner_id":   {"type": "keyword"},
      "filename":   {"type": "text", "fields": {"raw": {"type": "keyword"}}},
      "status":     {"type": "keyword"},
      "error":      {"type": "text"},
      "lang_in":    {"type": "keyword"},
      "lang_out":   {"type": "keyword"},
      "size_bytes": {"type": "long"},
      "created_at": {"type": "date"}
    }
  }
}`

type JobDoc struct {
	JobID     string    `json:"job_id"`
	OwnerID   string    `json:"owner_id"`
	Filename  string    `json:"filename"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	LangIn    string    `json:"lang_in,omitempty"`
	LangOut   string    `json:"lang_out,omitempty"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

func DocFromJob(j *models.Job) JobDoc {
	return JobDoc{
		JobID:     j.ID,
		OwnerID:   j.OwnerID,
		Filename:  j.SourceFilename,
		Status:    string(j.Status),
		Error:     j.Error,
		LangIn:    j.LangIn,
		LangOut:   j.LangOut,
		SizeBytes: j.SizeBytes,
		CreatedAt: j.CreatedAt,
	}
}

// JobIndex mirrors job history into a search index.
type JobIndex struct {
	client *elasticsearch.Client
	index  string
}

func NewJobIndex(client *elasticsearch.Client, index string) *JobIndex {
	return &JobIndex{client: client, index: index}
}

func (x *JobIndex) EnsureIndex(ctx context.Context) error {
	res, err := x.client.Indices.Exists([]string{x.index}, x.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("index exists: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	res, err = x.client.Indices.Create(x.index,
		x.client.Indices.Create.WithContext(ctx),
		x.client.Indices.Create.WithBody(strings.NewReader(jobMapping)),
	)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError("create index", res.Status(), res.Body)
	}
	return nil
}

func (x *JobIndex) IndexJob(ctx context.Context, j *models.Job) error {
	body, err := json.Marshal(DocFromJob(j))
	if err != nil {
		return err
	}
	res, err := x.client.Index(x.index, bytes.NewReader(body),
		x.client.Index.WithContext(ctx),
		x.client.Index.WithDocumentID(j.ID),
	)
	if err != nil {
		return fmt.Errorf("index job: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError("index job", res.Status(), res.Body)
	}
	return nil
}

func (x *JobIndex) DeleteJob(ctx context.Context, id string) error {
	res, err := x.client.Delete(x.index, id, x.client.Delete.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("delete job doc: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return responseError("delete job doc", res.Status(), res.Body)
	}
	return nil
}

// Search returns matching job ids, best match first. An empty ownerID
// searches every user's history.
func (x *JobIndex) Search(ctx context.Context, ownerID, query string, from, size int) (int64, []string, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(searchBody(ownerID, query, from, size)); err != nil {
		return 0, nil, err
	}

	res, err := x.client.Search(
		x.client.Search.WithContext(ctx),
		x.client.Search.WithIndex(x.index),
		x.client.Search.WithBody(&buf),
	)
	if err != nil {
		return 0, nil, fmt.Errorf("search: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, nil, responseError("search", res.Status(), res.Body)
	}

	var r struct {
		Hits struct {
			Total struct{ Value int64 } `json:"total"`
			Hits  []struct {
				Source JobDoc `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&r); err != nil {
		return 0, nil, err
	}

	ids := make([]string, len(r.Hits.Hits))
	for i, hit := range r.Hits.Hits {
		ids[i] = hit.Source.JobID
	}
	return r.Hits.Total.Value, ids, nil
}

func searchBody(ownerID, query string, from, size int) map[string]any {
	must := []any{
		map[string]any{
			"multi_match": map[string]any{
				"query":     query,
				"fields":    []string{"filename^2", "error", "status", "lang_in", "lang_out"},
				"fuzziness": "AUTO",
			},
		},
	}
	boolQ := map[string]any{"must": must}
	if ownerID != "" {
		boolQ["filter"] = []any{
			map[string]any{"term": map[string]any{"owner_id": ownerID}},
		}
	}
	return map[string]any{
		"query": map[string]any{"bool": boolQ},
		"sort":  []any{"_score", map[string]any{"created_at": "desc"}},
		"from":  from,
		"size":  size,
	}
}

func responseError(op, status string, body io.Reader) error {
	b, _ := io.ReadAll(io.LimitReader(body, 4<<10))
	return fmt.Errorf("%s: elasticsearch %s: %s", op, status, b)
}
