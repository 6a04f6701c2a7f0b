package types

import (
	"math"
	"testing"

	"github.com/user/quorum/pkg/llm"
)

func TestModelCost(t *testing.T) {
	m := Model{ID: "o3-deep-research", InputPrice: 10, OutputPrice: 40}

	got := m.Cost(&llm.Usage{InputTokens: 1000, OutputTokens: 2000})
	want := 0.01 + 0.08
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("expected %.4f, got %.4f", want, got)
	}
	if m.Cost(nil) != 0 {
		t.Error("missing usage must cost zero")
	}
}

func TestModelResponseOK(t *testing.T) {
	var nilResp *ModelResponse
	if nilResp.OK() {
		t.Error("nil response must not be OK")
	}

	ok := &ModelResponse{Content: "x"}
	if !ok.OK() {
		t.Error("expected OK")
	}

	failed := &ModelResponse{Content: "partial", Err: &QueryError{Category: ErrTimeout, Message: "gave up"}}
	if failed.OK() {
		t.Error("expected failure")
	}
	if failed.Err.Error() != "timeout: gave up" {
		t.Errorf("unexpected error text %q", failed.Err.Error())
	}
}

func TestConsensusResultSucceeded(t *testing.T) {
	res := &ConsensusResult{Responses: []*ModelResponse{
		{Model: Model{ID: "a"}},
		{Model: Model{ID: "b"}, Err: &QueryError{Category: ErrUnknown}},
		{Model: Model{ID: "c"}},
	}}
	got := res.Succeeded()
	if len(got) != 2 || got[0].Model.ID != "a" || got[1].Model.ID != "c" {
		t.Errorf("unexpected succeeded set: %+v", got)
	}
}
