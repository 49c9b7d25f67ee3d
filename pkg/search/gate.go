package search

import (
	"strings"

	"github.com/tribridrag/tribrid/pkg/config"
)

// Recall intensities. The gate classifies a chat message before any
// retrieval I/O happens; skip means the recall corpus is not queried at
// all for this turn.
const (
	IntensitySkip     = "skip"
	IntensityLight    = "light"
	IntensityStandard = "standard"
	IntensityDeep     = "deep"
)

// GateDecision is the recall gate output. Overrides replace the plan
// values rather than composing with them.
type GateDecision struct {
	Intensity     string
	TopK          int
	RecencyWeight float64
	Vector        bool
	Sparse        bool
	Graph         bool
}

var greetings = map[string]bool{
	"hi": true, "hello": true, "hey": true, "yo": true, "thanks": true,
	"thank": true, "thx": true, "ok": true, "okay": true, "cool": true,
	"nice": true, "great": true, "bye": true, "goodbye": true,
	"good": true, "morning": true, "evening": true, "night": true,
	"sure": true, "yes": true, "no": true, "yep": true, "nope": true,
}

var deepCues = []string{
	"what did we discuss",
	"what did we talk",
	"we discussed",
	"we talked about",
	"last time",
	"previously",
	"earlier you",
	"you said",
	"you mentioned",
	"remember when",
	"do you remember",
	"remind me",
}

// ClassifyRecall is the rule engine behind the chat recall gate: pure
// string work, no I/O, sub-millisecond. Greetings and acknowledgements
// skip recall entirely; explicit references to earlier conversation go
// deep with the deep recency weight; short messages query lightly.
func ClassifyRecall(message string, turn int, chat config.ChatSettings) GateDecision {
	msg := strings.ToLower(strings.TrimSpace(message))

	for _, cue := range deepCues {
		if strings.Contains(msg, cue) {
			return GateDecision{
				Intensity:     IntensityDeep,
				TopK:          chat.DeepTopK,
				RecencyWeight: chat.DeepRecencyWeight,
				Vector:        true,
				Sparse:        true,
				Graph:         true,
			}
		}
	}

	fields := strings.Fields(msg)
	if isSmallTalk(fields) {
		return GateDecision{Intensity: IntensitySkip}
	}

	if len(fields) <= 4 && !strings.Contains(msg, "?") {
		return GateDecision{
			Intensity:     IntensityLight,
			TopK:          chat.LightTopK,
			RecencyWeight: chat.DefaultRecencyWeight,
			Vector:        true,
			Sparse:        true,
		}
	}

	return GateDecision{
		Intensity:     IntensityStandard,
		TopK:          chat.StandardTopK,
		RecencyWeight: chat.DefaultRecencyWeight,
		Vector:        true,
		Sparse:        true,
		Graph:         true,
	}
}

func isSmallTalk(fields []string) bool {
	if len(fields) == 0 || len(fields) > 3 {
		return false
	}
	for _, f := range fields {
		if !greetings[strings.Trim(f, "!.,?")] {
			return false
		}
	}
	return true
}

// Apply rewrites the plan with the gate decision. Replacement semantics:
// the gate's top_k and leg toggles win over whatever the request or the
// corpus config chose for this turn.
func (d GateDecision) Apply(plan *Plan) {
	plan.Intensity = d.Intensity
	plan.RecencyWeight = d.RecencyWeight
	if d.Intensity == IntensitySkip {
		plan.Vector = false
		plan.Sparse = false
		plan.Graph = false
		return
	}
	if d.TopK > 0 {
		plan.FinalK = clampInt(d.TopK, 1, 100)
	}
	plan.Vector = plan.Vector && d.Vector
	plan.Sparse = plan.Sparse && d.Sparse
	plan.Graph = plan.Graph && d.Graph
}

// DecisionForIntensity rebuilds the gate decision from a pinned
// intensity. The chat path classifies the message once, then pins the
// outcome on the retrieval request so the engine applies the same
// parameters the classifier chose.
func DecisionForIntensity(intensity string, chat config.ChatSettings) GateDecision {
	switch intensity {
	case IntensitySkip:
		return GateDecision{Intensity: IntensitySkip}
	case IntensityLight:
		return GateDecision{
			Intensity:     IntensityLight,
			TopK:          chat.LightTopK,
			RecencyWeight: chat.DefaultRecencyWeight,
			Vector:        true,
			Sparse:        true,
		}
	case IntensityDeep:
		return GateDecision{
			Intensity:     IntensityDeep,
			TopK:          chat.DeepTopK,
			RecencyWeight: chat.DeepRecencyWeight,
			Vector:        true,
			Sparse:        true,
			Graph:         true,
		}
	default:
		return GateDecision{
			Intensity:     IntensityStandard,
			TopK:          chat.StandardTopK,
			RecencyWeight: chat.DefaultRecencyWeight,
			Vector:        true,
			Sparse:        true,
			Graph:         true,
		}
	}
}
