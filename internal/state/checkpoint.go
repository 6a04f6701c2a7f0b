// internal/state/checkpoint.go
package state

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/user/quorum/internal/types"
	"github.com/user/quorum/pkg/llm"
)

// ErrCheckpointNotFound is returned when no checkpoint exists for a job.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

const (
	checkpointMagic = "QUORUM-CHECKPOINT/1"
	checkpointExt   = ".ckpt"

	// headerSize is the fixed length of the JSON header line, newline included.
	// The header is rewritten in place, so it must never grow.
	headerSize = 1024

	maxTopicRunes = 200
)

// headerOffset is where the header block starts, right after the magic line.
var headerOffset = int64(len(checkpointMagic) + 1)

// checkpointHeader is the fixed-size metadata block of a checkpoint file.
type checkpointHeader struct {
	JobID        string         `json:"job_id"`
	Model        string         `json:"model"`
	Provider     types.Provider `json:"provider,omitempty"`
	Topic        string         `json:"topic"`
	StartedAt    time.Time      `json:"started_at"`
	LastSequence int64          `json:"last_sequence"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Usage        *llm.Usage     `json:"usage,omitempty"`
}

// encode renders the header padded to headerSize. Topics are shortened
// further if escaping would push the header past its block.
func (h *checkpointHeader) encode() ([]byte, error) {
	hdr := *h
	for {
		data, err := json.Marshal(&hdr)
		if err != nil {
			return nil, fmt.Errorf("marshal checkpoint header: %w", err)
		}
		if len(data) < headerSize {
			block := bytes.Repeat([]byte(" "), headerSize)
			copy(block, data)
			block[headerSize-1] = '\n'
			return block, nil
		}
		if hdr.Topic == "" {
			return nil, fmt.Errorf("checkpoint header exceeds %d bytes", headerSize)
		}
		r := []rune(hdr.Topic)
		hdr.Topic = string(r[:len(r)/2])
	}
}

// fileHandle is an open checkpoint owned by exactly one job.
type fileHandle struct {
	jobID  string
	path   string
	header checkpointHeader
	body   *os.File
}

func (h *fileHandle) JobID() string { return h.jobID }

// CheckpointStore keeps one file per research job under a directory.
// Output is only ever appended; the header block is the sole region that
// is rewritten. Jobs never share a file, so no locking is needed.
type CheckpointStore struct {
	dir    string
	now    func() time.Time
	logger *slog.Logger
}

// NewCheckpointStore creates a file-backed checkpoint store rooted at dir.
func NewCheckpointStore(dir string) *CheckpointStore {
	return &CheckpointStore{
		dir:    dir,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// Dir returns the directory holding checkpoint files.
func (s *CheckpointStore) Dir() string {
	return s.dir
}

// sanitizeJobID makes a job id safe for use in a file name.
func sanitizeJobID(jobID string) string {
	var b strings.Builder
	for _, r := range jobID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
		if b.Len() >= 80 {
			break
		}
	}
	if b.Len() == 0 {
		return "job"
	}
	return b.String()
}

func truncateTopic(topic string) string {
	if utf8.RuneCountInString(topic) <= maxTopicRunes {
		return topic
	}
	return string([]rune(topic)[:maxTopicRunes])
}

// Open creates a new checkpoint file for jobID.
func (s *CheckpointStore) Open(_ context.Context, jobID string, meta types.CheckpointMeta) (types.CheckpointHandle, error) {
	if jobID == "" {
		return nil, fmt.Errorf("open checkpoint: empty job id")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	started := s.now()
	header := checkpointHeader{
		JobID:     jobID,
		Model:     meta.Model,
		Provider:  meta.Provider,
		Topic:     truncateTopic(meta.Topic),
		StartedAt: started,
	}
	block, err := header.encode()
	if err != nil {
		return nil, err
	}

	name := sanitizeJobID(jobID) + "-" + strconv.FormatInt(started.UnixNano(), 10) + checkpointExt
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create checkpoint file: %w", err)
	}
	_, err = f.Write(append([]byte(checkpointMagic+"\n"), block...))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write checkpoint header: %w", err)
	}

	body, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint body: %w", err)
	}

	return &fileHandle{jobID: jobID, path: path, header: header, body: body}, nil
}

func (s *CheckpointStore) handle(h types.CheckpointHandle) (*fileHandle, error) {
	fh, ok := h.(*fileHandle)
	if !ok || fh == nil {
		return nil, fmt.Errorf("checkpoint handle %T does not belong to this store", h)
	}
	return fh, nil
}

// Append writes text to the end of the checkpoint body.
func (s *CheckpointStore) Append(_ context.Context, h types.CheckpointHandle, text string) error {
	fh, err := s.handle(h)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	if fh.body == nil {
		return fmt.Errorf("append checkpoint %s: already completed", fh.jobID)
	}
	if _, err := fh.body.WriteString(text); err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	return nil
}

// writeHeader rewrites the header block in place.
func (s *CheckpointStore) writeHeader(fh *fileHandle) error {
	block, err := fh.header.encode()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(fh.path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open checkpoint header: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteAt(block, headerOffset); err != nil {
		return fmt.Errorf("rewrite checkpoint header: %w", err)
	}
	return nil
}

// SetSequence records the last stream sequence marker seen.
func (s *CheckpointStore) SetSequence(_ context.Context, h types.CheckpointHandle, seq int64) error {
	fh, err := s.handle(h)
	if err != nil {
		return err
	}
	if seq <= fh.header.LastSequence {
		return nil
	}
	fh.header.LastSequence = seq
	return s.writeHeader(fh)
}

// Complete finalizes a checkpoint: deleted when opts.Delete is set,
// otherwise stamped with a completion time and usage.
func (s *CheckpointStore) Complete(_ context.Context, h types.CheckpointHandle, opts types.CompleteOptions) error {
	fh, err := s.handle(h)
	if err != nil {
		return err
	}
	if fh.body != nil {
		fh.body.Close()
		fh.body = nil
	}

	if opts.Delete {
		if err := os.Remove(fh.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete checkpoint: %w", err)
		}
		return nil
	}

	now := s.now()
	fh.header.CompletedAt = &now
	if opts.Usage != nil {
		fh.header.Usage = opts.Usage
	}
	return s.writeHeader(fh)
}

// Close releases the body file of h and leaves the checkpoint pending.
func (s *CheckpointStore) Close(_ context.Context, h types.CheckpointHandle) error {
	fh, err := s.handle(h)
	if err != nil {
		return err
	}
	if fh.body == nil {
		return nil
	}
	err = fh.body.Close()
	fh.body = nil
	if err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	return nil
}

// readCheckpoint parses a checkpoint file. withBody controls whether the
// accumulated output is loaded.
func readCheckpoint(path string, withBody bool) (*types.Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	magic, err := r.ReadString('\n')
	if err != nil || strings.TrimSpace(magic) != checkpointMagic {
		return nil, fmt.Errorf("read checkpoint %s: bad magic", filepath.Base(path))
	}

	block := make([]byte, headerSize)
	if _, err := io.ReadFull(r, block); err != nil {
		return nil, fmt.Errorf("read checkpoint %s: truncated header", filepath.Base(path))
	}
	var hdr checkpointHeader
	if err := json.Unmarshal(bytes.TrimSpace(block), &hdr); err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", filepath.Base(path), err)
	}

	cp := &types.Checkpoint{
		Path:         path,
		JobID:        hdr.JobID,
		Model:        hdr.Model,
		Provider:     hdr.Provider,
		Topic:        hdr.Topic,
		StartedAt:    hdr.StartedAt,
		LastSequence: hdr.LastSequence,
		CompletedAt:  hdr.CompletedAt,
		Usage:        hdr.Usage,
	}
	if withBody {
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read checkpoint body: %w", err)
		}
		cp.Content = string(body)
	}
	return cp, nil
}

// files returns checkpoint paths, optionally restricted to one job.
func (s *CheckpointStore) files(jobID string) ([]string, error) {
	pattern := "*" + checkpointExt
	if jobID != "" {
		pattern = sanitizeJobID(jobID) + "-*" + checkpointExt
	}
	matches, err := filepath.Glob(filepath.Join(s.dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("glob checkpoints: %w", err)
	}
	return matches, nil
}

// List returns checkpoints newest first. Files that vanish while listing
// have been recovered concurrently and are skipped.
func (s *CheckpointStore) List(_ context.Context, includeCompleted bool) ([]*types.Checkpoint, error) {
	paths, err := s.files("")
	if err != nil {
		return nil, err
	}

	out := make([]*types.Checkpoint, 0, len(paths))
	for _, p := range paths {
		cp, err := readCheckpoint(p, true)
		if err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn("skipping unreadable checkpoint", "path", p, "error", err)
			}
			continue
		}
		if cp.Completed() && !includeCompleted {
			continue
		}
		out = append(out, cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// FindByJobID returns the newest checkpoint for jobID.
func (s *CheckpointStore) FindByJobID(_ context.Context, jobID string) (*types.Checkpoint, error) {
	paths, err := s.files(jobID)
	if err != nil {
		return nil, err
	}

	var found *types.Checkpoint
	for _, p := range paths {
		cp, err := readCheckpoint(p, true)
		if err != nil {
			continue
		}
		if cp.JobID != jobID {
			continue
		}
		if found == nil || cp.StartedAt.After(found.StartedAt) {
			found = cp
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, jobID)
	}
	return found, nil
}

// Delete removes every checkpoint for jobID. Deleting a missing job is not an error.
func (s *CheckpointStore) Delete(_ context.Context, jobID string) error {
	paths, err := s.files(jobID)
	if err != nil {
		return err
	}
	for _, p := range paths {
		cp, err := readCheckpoint(p, false)
		if err != nil || cp.JobID != jobID {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete checkpoint: %w", err)
		}
	}
	return nil
}

// PurgeOlderThan removes checkpoints started more than maxAge ago,
// completed or not. Files with unreadable headers are aged by mtime.
func (s *CheckpointStore) PurgeOlderThan(_ context.Context, maxAge time.Duration) (int, error) {
	paths, err := s.files("")
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, p := range paths {
		var started time.Time
		if cp, err := readCheckpoint(p, false); err == nil {
			started = cp.StartedAt
		} else if info, statErr := os.Stat(p); statErr == nil {
			started = info.ModTime()
		} else {
			continue
		}

		if !started.Before(cutoff) {
			continue
		}
		if err := os.Remove(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, fmt.Errorf("purge checkpoint: %w", err)
		}
		removed++
	}
	return removed, nil
}
