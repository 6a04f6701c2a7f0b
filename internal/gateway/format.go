package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/user/quorum/internal/types"
)

// FormatResponse renders a single model response for chat delivery.
func FormatResponse(resp *types.ModelResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	if !resp.OK() {
		fmt.Fprintf(&b, "%s failed: %s", resp.Model.Name(), resp.Err)
		if resp.JobID != "" {
			fmt.Fprintf(&b, "\nJob %s can be recovered later.", resp.JobID)
		}
		if resp.Content != "" {
			b.WriteString("\n\nPartial output:\n\n")
			b.WriteString(resp.Content)
		}
		return b.String()
	}

	b.WriteString(resp.Content)
	if len(resp.Citations) > 0 {
		b.WriteString("\n\nSources:")
		for i, c := range resp.Citations {
			fmt.Fprintf(&b, "\n%d. %s", i+1, c)
		}
	}
	b.WriteString("\n\n")
	b.WriteString(footer(resp))
	return b.String()
}

func footer(resp *types.ModelResponse) string {
	parts := []string{resp.Model.Name(), resp.Duration.Round(time.Second).String()}
	if resp.Usage != nil {
		parts = append(parts, fmt.Sprintf("%d tokens", resp.Usage.TotalTokens))
	}
	if cost := resp.Cost(); cost > 0 {
		parts = append(parts, fmt.Sprintf("$%.4f", cost))
	}
	return strings.Join(parts, " | ")
}

// FormatResponses renders side-by-side answers from a comparison.
func FormatResponses(resps []*types.ModelResponse) string {
	blocks := make([]string, 0, len(resps))
	for _, r := range resps {
		blocks = append(blocks, fmt.Sprintf("## %s\n\n%s", r.Model.Name(), FormatResponse(r)))
	}
	return strings.Join(blocks, "\n\n---\n\n")
}

// FormatConsensus renders a consensus result: synthesis first, then the
// agreement lists and a per-model summary.
func FormatConsensus(r *types.ConsensusResult) string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(r.Synthesis)

	if len(r.Agreements) > 0 {
		b.WriteString("\n\nAgreements:")
		for _, a := range r.Agreements {
			b.WriteString("\n- " + a)
		}
	}
	if len(r.Disagreements) > 0 {
		b.WriteString("\n\nDisagreements:")
		for _, d := range r.Disagreements {
			b.WriteString("\n- " + d)
		}
	}

	b.WriteString("\n\nModels:")
	for _, resp := range r.Responses {
		status := "ok"
		if !resp.OK() {
			status = string(resp.Err.Category)
		}
		fmt.Fprintf(&b, "\n- %s (%s, %s)", resp.Model.Name(), status, resp.Duration.Round(time.Second))
	}
	fmt.Fprintf(&b, "\n\nConfidence %.0f%% | $%.4f | %s",
		r.Confidence*100, r.TotalCost, r.TotalDuration.Round(time.Second))
	return b.String()
}
