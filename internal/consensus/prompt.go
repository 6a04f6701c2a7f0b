package consensus

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/user/quorum/internal/tokens"
	"github.com/user/quorum/internal/types"
)

// SynthesisPrompt is the template for the synthesis request. Fields:
// .Question, .Responses (each with .Name and .Content).
const SynthesisPrompt = `You are reviewing independent answers from several AI models to the same question. Compare them and write a single synthesized answer.

## Question

{{.Question}}

## Answers
{{range .Responses}}
### {{.Name}}

{{.Content}}
{{end}}
## Instructions

- Merge what the answers agree on into one clear synthesis.
- List the points where the answers agree.
- List the points where they disagree or contradict each other.
- Rate your confidence in the synthesis from 0 to 100.

Reply with JSON only, in this exact shape:

{"synthesis": "...", "agreements": ["..."], "disagreements": ["..."], "confidence": 0}
`

var synthesisTmpl = template.Must(template.New("synthesis").Parse(SynthesisPrompt))

// DefaultBudgetTokens bounds the answers embedded in a synthesis prompt.
const DefaultBudgetTokens = 24000

type promptAnswer struct {
	Name    string
	Content string
}

// buildPrompt renders the synthesis prompt. The budget is split evenly
// across answers and each is truncated to its share.
func buildPrompt(question string, responses []*types.ModelResponse, counter tokens.Truncator, budget int) (string, error) {
	if budget <= 0 {
		budget = DefaultBudgetTokens
	}
	share := budget / max(len(responses), 1)

	data := struct {
		Question  string
		Responses []promptAnswer
	}{Question: question}

	for _, r := range responses {
		content := strings.TrimSpace(r.Content)
		if counter.Count(content) > share {
			content = counter.Truncate(content, share) + "\n\n[truncated]"
		}
		data.Responses = append(data.Responses, promptAnswer{Name: r.Model.Name(), Content: content})
	}

	var b strings.Builder
	if err := synthesisTmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render synthesis prompt: %w", err)
	}
	return b.String(), nil
}

// concatenate joins answers under per-model headings.
func concatenate(responses []*types.ModelResponse) string {
	parts := make([]string, 0, len(responses))
	for _, r := range responses {
		parts = append(parts, "## "+r.Model.Name()+"\n\n"+strings.TrimSpace(r.Content))
	}
	return strings.Join(parts, "\n\n---\n\n")
}
