package eval

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedChat struct {
	responses []string
	calls     int
	err       error
}

func (c *scriptedChat) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	if c.calls >= len(c.responses) {
		return "", fmt.Errorf("no scripted response for call %d", c.calls)
	}
	resp := c.responses[c.calls]
	c.calls++
	return resp, nil
}

type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func TestScoreExact(t *testing.T) {
	s := NewScorer(nil, nil)
	task := Task{ID: "t", Answer: AnswerSpec{Mode: "exact", Value: "Bitcoin"}}

	score, err := s.Score(context.Background(), task, "  bitcoin ", nil)
	require.NoError(t, err)
	assert.True(t, score.Correct)

	score, err = s.Score(context.Background(), task, "Ethereum", nil)
	require.NoError(t, err)
	assert.False(t, score.Correct)
}

func TestScoreNumericWithGroundTruth(t *testing.T) {
	s := NewScorer(nil, nil)
	task := Task{ID: "t", Answer: AnswerSpec{Mode: "numeric", Value: "structured:price_usd", Tolerance: 0.02}}
	ground := map[string]interface{}{"price_usd": 64321.5}

	score, err := s.Score(context.Background(), task, "The price is $64,300 right now", ground)
	require.NoError(t, err)
	assert.True(t, score.Correct, score.Detail)

	score, err = s.Score(context.Background(), task, "$70,000", ground)
	require.NoError(t, err)
	assert.False(t, score.Correct, score.Detail)
}

func TestScoreNumericDefaultTolerance(t *testing.T) {
	s := NewScorer(nil, nil)
	task := Task{ID: "t", Answer: AnswerSpec{Mode: "numeric", Value: "100"}}

	score, err := s.Score(context.Background(), task, "100.5", nil)
	require.NoError(t, err)
	assert.True(t, score.Correct, score.Detail)
}

func TestScoreMissingGroundTruthKey(t *testing.T) {
	s := NewScorer(nil, nil)
	task := Task{ID: "t", Answer: AnswerSpec{Mode: "numeric", Value: "structured:absent"}}

	_, err := s.Score(context.Background(), task, "1", map[string]interface{}{"other": 1.0})
	require.Error(t, err)
}

func TestScoreSemantic(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"the biggest coin": {1, 0, 0},
		"largest coin":     {0.99, 0.1, 0},
		"a small fish":     {0, 1, 0},
	}}
	s := NewScorer(nil, emb)
	task := Task{ID: "t", Answer: AnswerSpec{Mode: "semantic", Value: "the biggest coin", Threshold: 0.9}}

	score, err := s.Score(context.Background(), task, "largest coin", nil)
	require.NoError(t, err)
	assert.True(t, score.Correct, score.Detail)
	assert.Greater(t, score.Similarity, 0.9)

	score, err = s.Score(context.Background(), task, "a small fish", nil)
	require.NoError(t, err)
	assert.False(t, score.Correct)
}

func TestScoreSemanticRequiresEmbedder(t *testing.T) {
	s := NewScorer(nil, nil)
	task := Task{ID: "t", Answer: AnswerSpec{Mode: "semantic", Value: "x"}}
	_, err := s.Score(context.Background(), task, "y", nil)
	require.Error(t, err)
}

func TestScoreJudge(t *testing.T) {
	chat := &scriptedChat{responses: []string{"VERDICT: CORRECT\nClose enough."}}
	s := NewScorer(chat, nil)
	task := Task{ID: "t", Prompt: "Which coin?", Answer: AnswerSpec{Mode: "judge", Value: "Bitcoin"}}

	score, err := s.Score(context.Background(), task, "BTC (Bitcoin)", nil)
	require.NoError(t, err)
	assert.True(t, score.Correct)
	assert.Contains(t, score.Detail, "Close enough")
}

func TestScoreJudgeNoVerdict(t *testing.T) {
	chat := &scriptedChat{responses: []string{"maybe?"}}
	s := NewScorer(chat, nil)
	task := Task{ID: "t", Answer: AnswerSpec{Mode: "judge", Value: "x"}}

	_, err := s.Score(context.Background(), task, "y", nil)
	require.Error(t, err)
}

func TestScoreUnknownMode(t *testing.T) {
	s := NewScorer(nil, nil)
	task := Task{ID: "t", Answer: AnswerSpec{Mode: "vibes", Value: "x"}}
	_, err := s.Score(context.Background(), task, "y", nil)
	require.Error(t, err)
}

func TestExtractNumber(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"$64,321.50", 64321.5, true},
		{"price is 42 dollars", 42, true},
		{"-1.2%", -1.2, true},
		{"no numbers here", 0, false},
	}
	for _, tt := range tests {
		got, ok := extractNumber(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if ok {
			assert.InDelta(t, tt.want, got, 1e-9, tt.in)
		}
	}
}
