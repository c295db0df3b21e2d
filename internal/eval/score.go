package eval

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"webeval/internal/llm"
	"webeval/internal/logging"
)

// ChatClient is the completion surface the scorer and agent loop need.
// *llm.GeminiClient satisfies it.
type ChatClient interface {
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Score is the verdict for one task.
type Score struct {
	Correct    bool
	Mode       string
	Expected   string
	Similarity float64 // semantic mode only
	Detail     string
}

// Scorer judges agent answers against ground truth.
type Scorer struct {
	judge    ChatClient
	embedder llm.Embedder
}

// NewScorer creates a scorer. judge is required for "judge" mode, embedder
// for "semantic" mode; either may be nil when those modes are unused.
func NewScorer(judge ChatClient, embedder llm.Embedder) *Scorer {
	return &Scorer{judge: judge, embedder: embedder}
}

// Score evaluates an answer. ground is the structured payload of the
// task's data page, used to resolve "structured:<key>" expected values.
func (s *Scorer) Score(ctx context.Context, task Task, answer string, ground map[string]interface{}) (Score, error) {
	expected, err := resolveExpected(task.Answer.Value, ground)
	if err != nil {
		return Score{}, err
	}

	mode := task.Answer.Mode
	if mode == "" {
		mode = "exact"
	}
	result := Score{Mode: mode, Expected: expected}

	switch mode {
	case "exact":
		result.Correct = foldAnswer(answer) == foldAnswer(expected)
	case "numeric":
		result.Correct, result.Detail = numericMatch(answer, expected, task.Answer.Tolerance)
	case "semantic":
		sim, err := s.semanticSimilarity(ctx, answer, expected)
		if err != nil {
			return Score{}, err
		}
		threshold := task.Answer.Threshold
		if threshold == 0 {
			threshold = 0.85
		}
		result.Similarity = sim
		result.Correct = sim >= threshold
		result.Detail = fmt.Sprintf("similarity %.3f, threshold %.2f", sim, threshold)
	case "judge":
		correct, detail, err := s.judgeAnswer(ctx, task, answer, expected)
		if err != nil {
			return Score{}, err
		}
		result.Correct = correct
		result.Detail = detail
	default:
		return Score{}, fmt.Errorf("unknown answer mode %q for task %s", mode, task.ID)
	}

	logging.Eval("task %s scored: mode=%s correct=%v", task.ID, mode, result.Correct)
	return result, nil
}

// resolveExpected turns "structured:<key>" references into the value from
// the cached ground truth.
func resolveExpected(value string, ground map[string]interface{}) (string, error) {
	key, ok := strings.CutPrefix(value, "structured:")
	if !ok {
		return value, nil
	}
	v, ok := ground[key]
	if !ok {
		return "", fmt.Errorf("ground truth has no key %q", key)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	default:
		return fmt.Sprintf("%v", t), nil
	}
}

func foldAnswer(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// numericMatch compares the first number found in each string within a
// relative tolerance (default 1%). Currency symbols, separators and
// percent signs are stripped.
func numericMatch(answer, expected string, tolerance float64) (bool, string) {
	got, okA := extractNumber(answer)
	want, okB := extractNumber(expected)
	if !okA || !okB {
		return false, fmt.Sprintf("could not extract numbers from %q / %q", answer, expected)
	}
	if tolerance == 0 {
		tolerance = 0.01
	}
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	bound := want
	if bound < 0 {
		bound = -bound
	}
	ok := diff <= bound*tolerance
	return ok, fmt.Sprintf("got %g, want %g (±%.0f%%)", got, want, tolerance*100)
}

// extractNumber finds the first parseable number in a string.
func extractNumber(s string) (float64, bool) {
	cleaned := strings.NewReplacer("$", "", ",", "", "%", "", "€", "", "£", "").Replace(s)
	for _, field := range strings.Fields(cleaned) {
		field = strings.Trim(field, "().;:")
		if v, err := strconv.ParseFloat(field, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

func (s *Scorer) semanticSimilarity(ctx context.Context, answer, expected string) (float64, error) {
	if s.embedder == nil {
		return 0, fmt.Errorf("semantic scoring requires an embedder")
	}
	a, err := s.embedder.Embed(ctx, answer)
	if err != nil {
		return 0, fmt.Errorf("embed answer: %w", err)
	}
	b, err := s.embedder.Embed(ctx, expected)
	if err != nil {
		return 0, fmt.Errorf("embed expected: %w", err)
	}
	return llm.CosineSimilarity(a, b), nil
}

const judgeSystemPrompt = `You judge whether a web agent's answer matches the expected answer.
Respond with exactly one line: VERDICT: CORRECT or VERDICT: INCORRECT, optionally followed by a short reason on the next line.`

func (s *Scorer) judgeAnswer(ctx context.Context, task Task, answer, expected string) (bool, string, error) {
	if s.judge == nil {
		return false, "", fmt.Errorf("judge scoring requires a chat client")
	}
	prompt := fmt.Sprintf("TASK: %s\nEXPECTED: %s\nAGENT ANSWER: %s", task.Prompt, expected, answer)
	resp, err := s.judge.CompleteWithSystem(ctx, judgeSystemPrompt, prompt)
	if err != nil {
		return false, "", fmt.Errorf("judge call: %w", err)
	}
	upper := strings.ToUpper(resp)
	switch {
	case strings.Contains(upper, "VERDICT: CORRECT"):
		return true, resp, nil
	case strings.Contains(upper, "VERDICT: INCORRECT"):
		return false, resp, nil
	default:
		return false, resp, fmt.Errorf("judge returned no verdict: %q", resp)
	}
}
