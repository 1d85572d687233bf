package extractor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"z-novel-narrator/internal/application/narration/orchestrator"
	"z-novel-narrator/internal/domain/entity"
	workflowprompt "z-novel-narrator/internal/workflow/prompt"
	apperrors "z-novel-narrator/pkg/errors"
)

type fakeExecutor struct {
	res  *orchestrator.Result
	reqs []orchestrator.Request
}

func (f *fakeExecutor) Execute(_ context.Context, req orchestrator.Request, _ orchestrator.Recorder) (*orchestrator.Result, error) {
	f.reqs = append(f.reqs, req)
	res := *f.res
	if res.Outcome == orchestrator.OutcomeSuccess && req.Validate != nil {
		if err := req.Validate(res.Text); err != nil {
			res.Outcome = orchestrator.OutcomeFatal
			res.Invalid = err
		}
	}
	return &res, nil
}

func sampleInput() Input {
	return Input{
		ChapterID: "ch-1",
		BeatIndex: 1,
		Items: []entity.LogItem{
			{Sequence: 4, Type: entity.LogItemNarration, Text: "Mike walks out to the garden."},
			{Sequence: 5, Type: entity.LogItemDialogue, Speaker: "Mike", Text: "Fresh air."},
			{Sequence: 6, Type: entity.LogItemInnerVoice, Speaker: "Mike", Text: "Finally alone."},
		},
		Facts: []entity.Fact{
			{Subject: "Mike", Slot: "location", Statement: "Mike is in the kitchen.", SourceSequence: 2},
		},
	}
}

func TestParse_ClampsSourcesAndDropsIncompleteFacts(t *testing.T) {
	raw := "Here you go:\n```json\n" + `{
  "summary": "Mike leaves the kitchen.",
  "location": "garden",
  "facts": [
    {"subject": "Mike", "slot": "location", "statement": "Mike is in the garden.", "source_sequence": 4, "supersedes": true},
    {"subject": "Mike", "slot": "mood", "statement": "Mike feels relieved.", "source_sequence": "#6"},
    {"subject": "Sarah", "slot": "location", "statement": "Sarah stays inside.", "source_sequence": 2},
    {"subject": "", "slot": "x", "statement": "dropped", "source_sequence": 5}
  ]
}` + "\n```"

	req, err := Parse(raw, sampleInput())
	require.NoError(t, err)
	assert.Equal(t, 4, req.From)
	assert.Equal(t, 6, req.To)
	assert.Equal(t, 1, req.BeatIndex)
	assert.Equal(t, "Mike leaves the kitchen.", req.Summary)
	assert.Equal(t, "garden", req.Location)

	require.Len(t, req.Proposals, 3)
	assert.True(t, req.Proposals[0].Supersedes)
	assert.Equal(t, 4, req.Proposals[0].SourceSequence)
	assert.Equal(t, 6, req.Proposals[1].SourceSequence)
	// 区间外的来源改为区间最后一条
	assert.Equal(t, 6, req.Proposals[2].SourceSequence)
}

func TestParse_Malformed(t *testing.T) {
	for _, raw := range []string{"no json at all", `{"facts": "oops"}`, `[1, 2]`} {
		_, err := Parse(raw, sampleInput())
		assert.True(t, apperrors.HasCode(err, apperrors.CodeMalformedOutput), raw)
	}
}

func TestParse_EmptyFactsIsValid(t *testing.T) {
	req, err := Parse(`{"summary": "nothing changes", "facts": []}`, sampleInput())
	require.NoError(t, err)
	assert.Empty(t, req.Proposals)
}

func TestExtract_BuildsPromptAndParses(t *testing.T) {
	exec := &fakeExecutor{res: &orchestrator.Result{
		Outcome: orchestrator.OutcomeSuccess,
		Text:    `{"facts":[{"subject":"Mike","slot":"location","statement":"Mike is in the garden.","source_sequence":4}]}`,
	}}
	e := New(exec, workflowprompt.NewRegistry(), "extractor")

	req, res, err := e.Extract(context.Background(), sampleInput(), nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Len(t, req.Proposals, 1)

	require.Len(t, exec.reqs, 1)
	call := exec.reqs[0]
	assert.Equal(t, entity.CallKindFactExtraction, call.Kind)
	assert.Equal(t, "extractor", call.Provider)
	require.Len(t, call.Messages, 2)
	user := call.Messages[1].Content
	assert.Contains(t, user, "- Mike / location: Mike is in the kitchen. (#2)")
	assert.Contains(t, user, "(sequences 4 to 6)")
	assert.Contains(t, user, `#5 [Mike] "Fresh air."`)
	assert.Contains(t, user, "#6 [Mike] < Finally alone.")
}

func TestExtract_MalformedJSON(t *testing.T) {
	exec := &fakeExecutor{res: &orchestrator.Result{Outcome: orchestrator.OutcomeSuccess, Text: "I could not find any facts."}}
	_, res, err := New(exec, workflowprompt.NewRegistry(), "").Extract(context.Background(), sampleInput(), nil)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeMalformedOutput))
	assert.NotNil(t, res.Invalid)
}

func TestExtract_FailedCall(t *testing.T) {
	exec := &fakeExecutor{res: &orchestrator.Result{Outcome: orchestrator.OutcomeFatal, Reason: "status code: 401"}}
	_, res, err := New(exec, workflowprompt.NewRegistry(), "").Extract(context.Background(), sampleInput(), nil)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeFatalFailure))
	assert.NotNil(t, res)
}
