package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/adforge/adforge-api/clients"
	"github.com/adforge/adforge-api/errors"
	"github.com/adforge/adforge-api/log"
)

// Words per second of natural ad speech, used to size clips from text.
const speechWordsPerSecond = 2.5

// The video model only renders clips of these lengths.
var supportedClipSeconds = []int{4, 6, 8}

// Planner turns a raw ad script into an ordered segment plan via the text
// model. The model gets exactly one corrective re-prompt before the job is
// failed with a planning error.
type Planner struct {
	Prompter clients.TextPrompter
	// Preferred clip length in seconds, passed to the model as guidance.
	// Defaults to the longest supported length.
	TargetClipSeconds int
}

func (p *Planner) PlanSegments(ctx context.Context, jobID, script, characterName string) ([]clients.Segment, error) {
	script = NormalizeScript(script)
	if script == "" {
		return nil, errors.NewValidationError("script", "empty after normalization")
	}
	if characterName == "" {
		characterName = "character"
	}

	target := p.TargetClipSeconds
	if target == 0 {
		target = supportedClipSeconds[len(supportedClipSeconds)-1]
	}
	prompt := buildPlanPrompt(script, characterName, target)
	raw, err := p.Prompter.Complete(ctx, prompt)
	if err != nil {
		return nil, errors.NewPlanningError("text model request failed", err)
	}

	segments, planErr := parsePlan(raw, script)
	if planErr == nil {
		return segments, nil
	}

	log.Log(jobID, "segment plan invalid, sending corrective re-prompt", "err", planErr)
	raw, err = p.Prompter.Complete(ctx, buildCorrectivePrompt(prompt, raw, planErr))
	if err != nil {
		return nil, errors.NewPlanningError("corrective re-prompt request failed", err)
	}

	segments, planErr = parsePlan(raw, script)
	if planErr != nil {
		return nil, errors.NewPlanningError("invalid plan after corrective re-prompt", planErr)
	}
	return segments, nil
}

// NormalizeScript maps typographic punctuation to ASCII and collapses
// whitespace. It is idempotent: normalizing a normalized script is a no-op.
func NormalizeScript(script string) string {
	replacer := strings.NewReplacer(
		"“", `"`, "”", `"`, // curly double quotes
		"‘", "'", "’", "'", // curly single quotes
		"–", "-", "—", "-", // en and em dashes
		"…", "...", // ellipsis
		" ", " ", // non-breaking space
	)
	script = replacer.Replace(script)
	return strings.Join(strings.Fields(script), " ")
}

func buildPlanPrompt(script, characterName string, targetSeconds int) string {
	maxWords := int(float64(targetSeconds) * speechWordsPerSecond)
	var sb strings.Builder
	sb.WriteString("Split the following ad script into sequential video segments. ")
	sb.WriteString(fmt.Sprintf("Each segment is one continuous shot of %s, a single speaking character. ", characterName))
	sb.WriteString("Respond with ONLY a JSON array, no prose, where each element is ")
	sb.WriteString(`{"segment": "<the exact words spoken, taken verbatim from the script>", "prompt": "<visual direction for the shot>"}. `)
	sb.WriteString("Each prompt must describe camera framing, subject action and setting, and must not quote the spoken words. ")
	sb.WriteString("The segment texts concatenated in order must reproduce the script exactly. ")
	sb.WriteString(fmt.Sprintf("Keep each segment under %d words.\n\nScript:\n", maxWords))
	sb.WriteString(script)
	return sb.String()
}

func buildCorrectivePrompt(originalPrompt, badResponse string, cause error) string {
	var sb strings.Builder
	sb.WriteString("Your previous response was rejected: ")
	sb.WriteString(cause.Error())
	sb.WriteString("\n\nPrevious response:\n")
	sb.WriteString(badResponse)
	sb.WriteString("\n\nAnswer the original request again. Respond with ONLY the JSON array.\n\n")
	sb.WriteString(originalPrompt)
	return sb.String()
}

type plannedSegment struct {
	Segment string `json:"segment"`
	Prompt  string `json:"prompt"`
}

// parsePlan validates the model's response against the plan invariants:
// strict JSON, at least one segment, no empty fields, and segment texts that
// concatenate back to the script.
func parsePlan(raw, script string) ([]clients.Segment, error) {
	raw = stripCodeFence(raw)

	var planned []plannedSegment
	if err := json.Unmarshal([]byte(raw), &planned); err != nil {
		return nil, fmt.Errorf("response is not a JSON array: %w", err)
	}
	if len(planned) == 0 {
		return nil, fmt.Errorf("plan contains no segments")
	}

	segments := make([]clients.Segment, len(planned))
	var joined []string
	for i, ps := range planned {
		text := NormalizeScript(ps.Segment)
		prompt := strings.TrimSpace(ps.Prompt)
		if text == "" {
			return nil, fmt.Errorf("segment %d has empty text", i)
		}
		if prompt == "" {
			return nil, fmt.Errorf("segment %d has empty visual prompt", i)
		}
		joined = append(joined, text)
		segments[i] = clients.Segment{
			Index:           i,
			Text:            text,
			VisualPrompt:    prompt,
			DurationSeconds: clipSecondsForText(text),
		}
	}

	if got := strings.Join(joined, " "); got != script {
		return nil, fmt.Errorf("segment texts do not reconstruct the script: got %q, want %q", got, script)
	}
	return segments, nil
}

// Models wrap JSON in markdown fences often enough that we just strip them.
func stripCodeFence(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
	return strings.TrimSpace(raw)
}

// clipSecondsForText picks the shortest supported clip length that fits the
// spoken text at a natural pace.
func clipSecondsForText(text string) int {
	words := len(strings.Fields(text))
	need := float64(words) / speechWordsPerSecond
	for _, s := range supportedClipSeconds {
		if float64(s) >= need {
			return s
		}
	}
	return supportedClipSeconds[len(supportedClipSeconds)-1]
}

// Rough spoken duration of a whole script, recorded on the job for clients.
func estimateScriptSeconds(script string) float64 {
	words := len(strings.Fields(script))
	return math.Round(float64(words)/speechWordsPerSecond*10) / 10
}
