package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/adforge/adforge-api/errors"
	"github.com/stretchr/testify/require"
)

func TestNormalizeScriptIsIdempotent(t *testing.T) {
	require := require.New(t)

	in := "“Buy   acorns…”  \n they’re — great "
	want := `"Buy acorns..." they're - great`
	require.Equal(want, NormalizeScript(in))
	require.Equal(want, NormalizeScript(NormalizeScript(in)))
}

func TestPlanSegmentsHappyPath(t *testing.T) {
	require := require.New(t)

	script := "Buy acorns today. They are great."
	planner := &Planner{Prompter: stubPrompter{
		complete: func(ctx context.Context, prompt string) (string, error) {
			require.Contains(prompt, script)
			return `[
				{"segment": "Buy acorns today.", "prompt": "a squirrel at a market stall"},
				{"segment": "They are great.", "prompt": "the squirrel eating an acorn"}
			]`, nil
		},
	}}

	segments, err := planner.PlanSegments(context.Background(), "job1", script, "Sammy the squirrel")
	require.NoError(err)
	require.Len(segments, 2)
	require.Equal("Buy acorns today.", segments[0].Text)
	require.Equal("a squirrel at a market stall", segments[0].VisualPrompt)
	require.Equal(1, segments[1].Index)
}

func TestPlanSegmentsStripsCodeFences(t *testing.T) {
	require := require.New(t)

	planner := &Planner{Prompter: stubPrompter{
		complete: func(ctx context.Context, prompt string) (string, error) {
			return "```json\n[{\"segment\": \"Hello there.\", \"prompt\": \"a wave\"}]\n```", nil
		},
	}}

	segments, err := planner.PlanSegments(context.Background(), "job1", "Hello there.", "character")
	require.NoError(err)
	require.Len(segments, 1)
}

func TestPlanSegmentsCorrectiveReprompt(t *testing.T) {
	require := require.New(t)

	script := "Buy acorns today."
	calls := 0
	planner := &Planner{Prompter: stubPrompter{
		complete: func(ctx context.Context, prompt string) (string, error) {
			calls++
			if calls == 1 {
				// drops words from the script, violating the concat invariant
				return `[{"segment": "Buy acorns.", "prompt": "a squirrel"}]`, nil
			}
			require.Contains(prompt, "Your previous response was rejected")
			return `[{"segment": "Buy acorns today.", "prompt": "a squirrel"}]`, nil
		},
	}}

	segments, err := planner.PlanSegments(context.Background(), "job1", script, "character")
	require.NoError(err)
	require.Equal(2, calls)
	require.Len(segments, 1)
}

func TestPlanSegmentsFailsAfterSecondBadPlan(t *testing.T) {
	require := require.New(t)

	planner := &Planner{Prompter: stubPrompter{
		complete: func(ctx context.Context, prompt string) (string, error) {
			return `not json at all`, nil
		},
	}}

	_, err := planner.PlanSegments(context.Background(), "job1", "Buy acorns today.", "character")
	require.Error(err)
	require.True(errors.IsPlanningError(err))
	require.True(errors.IsUnretriable(err))
	require.Contains(err.Error(), "corrective re-prompt")
}

func TestPlanSegmentsRejectsEmptyFields(t *testing.T) {
	require := require.New(t)

	calls := 0
	planner := &Planner{Prompter: stubPrompter{
		complete: func(ctx context.Context, prompt string) (string, error) {
			calls++
			return `[{"segment": "Buy acorns today.", "prompt": ""}]`, nil
		},
	}}

	_, err := planner.PlanSegments(context.Background(), "job1", "Buy acorns today.", "character")
	require.True(errors.IsPlanningError(err))
	require.Equal(2, calls)
}

func TestClipSecondsForText(t *testing.T) {
	require := require.New(t)

	word := func(n int) string {
		return strings.TrimSpace(strings.Repeat("word ", n))
	}

	// 2.5 words per second against supported lengths of 4, 6 and 8 seconds
	require.Equal(4, clipSecondsForText(word(5)))
	require.Equal(4, clipSecondsForText(word(10)))
	require.Equal(6, clipSecondsForText(word(11)))
	require.Equal(8, clipSecondsForText(word(18)))
	// longer than any supported clip still snaps to the longest
	require.Equal(8, clipSecondsForText(word(40)))
}

func TestBuildPlanPromptUsesTargetClipSeconds(t *testing.T) {
	require := require.New(t)

	require.Contains(buildPlanPrompt("script", "character", 8), fmt.Sprintf("under %d words", 20))
	require.Contains(buildPlanPrompt("script", "character", 4), fmt.Sprintf("under %d words", 10))
}

func TestBuildPlanPromptNamesTheCharacter(t *testing.T) {
	require := require.New(t)

	prompt := buildPlanPrompt("script", "Captain Crunchy", 8)
	require.Contains(prompt, "one continuous shot of Captain Crunchy")
}
