package judge

import (
	"context"
	"errors"
	"testing"

	"github.com/racebandit/llmrace/internal/modelclient"
	"github.com/racebandit/llmrace/internal/racetypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	text string
	err  error
	n    int
}

func (s *stubClient) Stream(context.Context, racetypes.ModelID, racetypes.Query, int, func(string)) (modelclient.StreamResult, error) {
	s.n++
	if s.err != nil {
		return modelclient.StreamResult{}, s.err
	}
	return modelclient.StreamResult{Text: s.text, CompletionStatus: modelclient.StatusOK}, nil
}

func previews() []racetypes.PreviewOutcome {
	return []racetypes.PreviewOutcome{
		{Model: "a", Text: "answer a"},
		{Model: "b", Text: "answer b"},
	}
}

func TestRankParsesDirectJSON(t *testing.T) {
	client := &stubClient{text: `{"winner_index":0,"scores":[{"index":0,"relevance":0.9,"coverage":0.8,"faithfulness":0.9,"overall":0.9},{"index":1,"relevance":0.3,"coverage":0.2,"faithfulness":0.3,"overall":0.25}]}`}
	j := New(client, "judge-model", 3)

	scores, err := j.Rank(context.Background(), racetypes.Query{Text: "q"}, previews())
	require.NoError(t, err)
	assert.Equal(t, racetypes.ModelID("a"), scores.Ranking[0])
	assert.InDelta(t, 0.9, scores.Scores["a"].Overall, 1e-9)
}

func TestRankFallsBackToBraceExtraction(t *testing.T) {
	client := &stubClient{text: "Sure, here is my verdict:\n{\"winner_index\":1,\"scores\":[{\"index\":0,\"overall\":0.2},{\"index\":1,\"overall\":0.8}]}\nthanks"}
	j := New(client, "judge-model", 3)

	scores, err := j.Rank(context.Background(), racetypes.Query{Text: "q"}, previews())
	require.NoError(t, err)
	assert.Equal(t, racetypes.ModelID("b"), scores.Ranking[0])
}

func TestRankFailsAfterExhaustingRetries(t *testing.T) {
	client := &stubClient{text: "not json at all"}
	j := New(client, "judge-model", 2)

	_, err := j.Rank(context.Background(), racetypes.Query{Text: "q"}, previews())
	require.Error(t, err)
	var jfe *racetypes.JudgeFailureError
	assert.ErrorAs(t, err, &jfe)
	assert.Equal(t, 2, client.n)
}

func TestRankPropagatesTransientClientError(t *testing.T) {
	client := &stubClient{err: errors.New("backend down")}
	j := New(client, "judge-model", 1)

	_, err := j.Rank(context.Background(), racetypes.Query{Text: "q"}, previews())
	require.Error(t, err)
}

func TestRankWithNoPreviewsIsAllPreviewsFailed(t *testing.T) {
	client := &stubClient{}
	j := New(client, "judge-model", 3)

	_, err := j.Rank(context.Background(), racetypes.Query{Text: "q"}, nil)
	require.Error(t, err)
	var apf *racetypes.AllPreviewsFailedError
	assert.ErrorAs(t, err, &apf)
}

func TestMissingScoreDefaultsToZeroOverall(t *testing.T) {
	client := &stubClient{text: `{"winner_index":0,"scores":[{"index":0,"overall":0.9}]}`}
	j := New(client, "judge-model", 3)

	scores, err := j.Rank(context.Background(), racetypes.Query{Text: "q"}, previews())
	require.NoError(t, err)
	assert.Equal(t, 0.0, scores.Scores["b"].Overall)
}
