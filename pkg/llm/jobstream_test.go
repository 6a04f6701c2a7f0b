package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/user/quorum/pkg/llm/sse"
)

func decodeText(ev sse.Event) ([]JobEvent, bool, error) {
	if ev.Type == "end" {
		return []JobEvent{{Kind: EventCompleted}}, true, nil
	}
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return nil, false, err
	}
	return []JobEvent{{Kind: EventDelta, Text: payload.Text}}, false, nil
}

func TestPumpJobEvents(t *testing.T) {
	body := io.NopCloser(strings.NewReader(
		"data: {\"text\":\"a\"}\n\n" +
			"data: {\"text\":\"b\"}\n\n" +
			"event: end\ndata: {}\n\n" +
			"data: {\"text\":\"ignored\"}\n\n"))

	var kinds []EventKind
	var text string
	for ev := range PumpJobEvents(context.Background(), body, decodeText) {
		kinds = append(kinds, ev.Kind)
		text += ev.Text
	}

	if text != "ab" {
		t.Errorf("expected ab, got %q", text)
	}
	if len(kinds) != 3 || kinds[2] != EventCompleted {
		t.Errorf("unexpected kinds: %v", kinds)
	}
}

func TestPumpJobEventsTruncated(t *testing.T) {
	body := io.NopCloser(strings.NewReader("data: {\"text\":\"a\"}\n\ndata: {\"te"))

	var last JobEvent
	for ev := range PumpJobEvents(context.Background(), body, decodeText) {
		last = ev
	}
	if last.Kind != EventError {
		t.Fatalf("expected trailing error event, got %v", last.Kind)
	}
	if !errors.Is(last.Err, io.ErrUnexpectedEOF) {
		t.Errorf("expected unexpected EOF, got %v", last.Err)
	}
}
