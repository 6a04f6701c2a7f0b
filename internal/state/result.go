// internal/state/result.go
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/user/quorum/internal/types"
)

// ErrResultNotFound is returned when no stored result exists for a job.
var ErrResultNotFound = errors.New("result not found")

// ResultMeta describes a stored result.
type ResultMeta struct {
	JobID    string         `json:"job_id"`
	Model    string         `json:"model"`
	Provider types.Provider `json:"provider,omitempty"`
	Topic    string         `json:"topic"`
	StoredAt time.Time      `json:"stored_at"`
}

// StoredResult is the on-disk format for result files.
// Each result is stored as {"meta": ..., "response": ...}.
type StoredResult struct {
	Meta     ResultMeta           `json:"meta"`
	Response *types.ModelResponse `json:"response"`
}

// ResultStore keeps research output recovered outside an interactive
// session, one JSON file per job at results/<jobID>.json.
type ResultStore struct {
	dir string
}

// NewResultStore creates a new file-backed ResultStore rooted at the given directory.
func NewResultStore(dir string) *ResultStore {
	return &ResultStore{dir: dir}
}

func (s *ResultStore) path(jobID string) string {
	return filepath.Join(s.dir, sanitizeJobID(jobID)+".json")
}

// Put stores a response. A later Put for the same job replaces the earlier one.
func (s *ResultStore) Put(_ context.Context, topic string, resp *types.ModelResponse) error {
	if resp == nil || resp.JobID == "" {
		return fmt.Errorf("store result: response has no job id")
	}

	stored := &StoredResult{
		Meta: ResultMeta{
			JobID:    resp.JobID,
			Model:    resp.Model.ID,
			Provider: resp.Model.Provider,
			Topic:    truncateTopic(topic),
			StoredAt: time.Now(),
		},
		Response: resp,
	}

	content, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}

	// Atomic write via temp file + rename
	target := s.path(resp.JobID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write temp result: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp result: %w", err)
	}
	return nil
}

func readResult(path string) (*StoredResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var stored StoredResult
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &stored, nil
}

// Get returns the stored result for jobID.
func (s *ResultStore) Get(_ context.Context, jobID string) (*StoredResult, error) {
	stored, err := readResult(s.path(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrResultNotFound, jobID)
		}
		return nil, fmt.Errorf("read result: %w", err)
	}
	return stored, nil
}

// List returns result metadata, newest first.
func (s *ResultStore) List(_ context.Context) ([]ResultMeta, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("glob results: %w", err)
	}

	metas := make([]ResultMeta, 0, len(matches))
	for _, p := range matches {
		stored, err := readResult(p)
		if err != nil {
			continue
		}
		metas = append(metas, stored.Meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].StoredAt.After(metas[j].StoredAt) })
	return metas, nil
}

// Excerpt returns a truncated view of a stored result's content,
// centered on query when it occurs.
func (s *ResultStore) Excerpt(ctx context.Context, jobID, query string, maxTokens int) (string, error) {
	stored, err := s.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	return Excerpt(stored.Response.Content, query, maxTokens), nil
}

// Excerpt truncates text to roughly maxTokens, centered on query when found.
func Excerpt(text, query string, maxTokens int) string {
	// Approximate max characters from token count (roughly 4 chars per token)
	maxChars := maxTokens * 4
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}

	start := 0
	if query != "" {
		if idx := strings.Index(strings.ToLower(text), strings.ToLower(query)); idx >= 0 {
			start = idx - maxChars/2
			if start < 0 {
				start = 0
			}
		}
	}
	end := start + maxChars
	if end > len(text) {
		end = len(text)
		start = max(0, end-maxChars)
	}
	return strings.ToValidUTF8(text[start:end], "")
}
