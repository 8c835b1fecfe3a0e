package consensus

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"

	"github.com/theturtlecsz/code-sub000/internal/pipeline"
)

// StageFields are the elements each stage's answer is expected to cover when
// the stage configuration names none.
var StageFields = map[pipeline.Stage][]string{
	pipeline.StagePlan:      {"work_breakdown", "acceptance_mapping"},
	pipeline.StageTasks:     {"tasks"},
	pipeline.StageImplement: {"implementation"},
	pipeline.StageValidate:  {"test_strategy"},
	pipeline.StageAudit:     {"audit_verdict"},
	pipeline.StageUnlock:    {"unlock_decision"},
}

const (
	completenessWeight = 0.6
	correctnessWeight  = 0.4
	defectPenalty      = 0.25
)

var defectRe = regexp.MustCompile(`(?i)\b(TODO|FIXME|XXX)\b|\berror:|\bpanic:|\btraceback\b`)

// Technical combines completeness and correctness into [0,1].
func Technical(completeness, correctness float64) float64 {
	return completenessWeight*completeness + correctnessWeight*correctness
}

// Completeness is the fraction of required elements the content covers.
// A JSON object must carry each element as a non-empty key; other content
// must mention each element by name.
func Completeness(content string, required []string) float64 {
	if strings.TrimSpace(content) == "" {
		return 0
	}
	if len(required) == 0 {
		return 1
	}

	obj, isJSON := parseObject(content)
	lower := strings.ToLower(content)
	found := 0
	for _, el := range required {
		if isJSON {
			if v, ok := obj[el]; ok && !emptyValue(v) {
				found++
			}
			continue
		}
		name := strings.ToLower(el)
		if strings.Contains(lower, name) || strings.Contains(lower, strings.ReplaceAll(name, "_", " ")) {
			found++
		}
	}
	return float64(found) / float64(len(required))
}

// Correctness is 1 minus a penalty per detectable defect, floored at 0.
// Empty content has correctness 0.
func Correctness(content string, requireJSON bool) float64 {
	if strings.TrimSpace(content) == "" {
		return 0
	}
	defects := len(defectRe.FindAllStringIndex(content, -1))
	if requireJSON {
		if _, ok := parseObject(content); !ok {
			defects++
		}
	}
	return 1 - math.Min(1, float64(defects)*defectPenalty)
}

// JSONBody returns content with surrounding whitespace and any ```json
// fence removed, ready to decode.
func JSONBody(content string) string {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// parseObject decodes content as a JSON object.
func parseObject(content string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(JSONBody(content)), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func emptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}
