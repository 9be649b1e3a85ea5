package analysis

import (
	"fmt"
	"math"
	"strings"

	"github.com/fpang/family-resemblance/internal/apperr"
)

// Validate checks a decoded payload against the result schema and returns it
// in canonical part order. Numeric fields accept any JSON number and are
// rounded to the nearest integer before the range check.
func Validate(payload map[string]any) (*Result, error) {
	center, ok := payload["face_center"].(map[string]any)
	if !ok {
		return nil, invalidPayload("face_center must be an object")
	}
	x, err := percent(center["x"], "face_center.x")
	if err != nil {
		return nil, err
	}
	y, err := percent(center["y"], "face_center.y")
	if err != nil {
		return nil, err
	}
	width, err := percent(payload["face_width"], "face_width")
	if err != nil {
		return nil, err
	}

	rawItems, ok := payload["analysis_results"].([]any)
	if !ok {
		return nil, invalidPayload("analysis_results must be a list")
	}
	if len(rawItems) != len(FeatureParts) {
		return nil, invalidPayload(fmt.Sprintf("analysis_results must have %d items, got %d", len(FeatureParts), len(rawItems)))
	}

	byPart := make(map[string]Item, len(rawItems))
	for i, raw := range rawItems {
		item, err := validateItem(i, raw)
		if err != nil {
			return nil, err
		}
		if _, dup := byPart[item.Part]; dup {
			return nil, invalidPayload(fmt.Sprintf("duplicate part %q", item.Part))
		}
		byPart[item.Part] = item
	}

	res := &Result{
		FaceCenter:      FaceCenter{X: x, Y: y},
		FaceWidth:       width,
		AnalysisResults: make([]Item, 0, len(FeatureParts)),
	}
	for _, part := range FeatureParts {
		item, ok := byPart[part]
		if !ok {
			return nil, invalidPayload(fmt.Sprintf("missing part %q", part))
		}
		res.AnalysisResults = append(res.AnalysisResults, item)
	}
	return res, nil
}

func validateItem(i int, raw any) (Item, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Item{}, invalidPayload(fmt.Sprintf("analysis_results[%d] must be an object", i))
	}

	part, _ := m["part"].(string)
	part = strings.TrimSpace(part)
	if !isFeaturePart(part) {
		return Item{}, invalidPayload(fmt.Sprintf("analysis_results[%d]: unknown part %q", i, part))
	}

	similar, _ := m["similar_to"].(string)
	parent, ok := parseParent(similar)
	if !ok {
		return Item{}, invalidPayload(fmt.Sprintf("analysis_results[%d]: similar_to must be Father or Mother, got %q", i, similar))
	}

	score, err := percent(m["similarity_score"], fmt.Sprintf("analysis_results[%d].similarity_score", i))
	if err != nil {
		return Item{}, err
	}

	desc, ok := m["description"].(string)
	if !ok {
		return Item{}, invalidPayload(fmt.Sprintf("analysis_results[%d]: description must be a string", i))
	}

	return Item{Part: part, SimilarTo: parent, SimilarityScore: score, Description: strings.TrimSpace(desc)}, nil
}

func parseParent(s string) (Parent, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "father":
		return Father, true
	case "mother":
		return Mother, true
	}
	return "", false
}

func isFeaturePart(part string) bool {
	for _, p := range FeatureParts {
		if p == part {
			return true
		}
	}
	return false
}

// percent reads a JSON number in [0, 100].
func percent(v any, field string) (int, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	default:
		return 0, invalidPayload(fmt.Sprintf("%s must be a number", field))
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, invalidPayload(fmt.Sprintf("%s must be finite", field))
	}
	r := int(math.Round(f))
	if r < 0 || r > 100 {
		return 0, invalidPayload(fmt.Sprintf("%s must be between 0 and 100, got %v", field, f))
	}
	return r, nil
}

func invalidPayload(msg string) error {
	return apperr.New(apperr.InvalidAIPayload, "invalid analysis payload: "+msg)
}

// EnforceSingleParent rewrites every item attributed to the absent parent so
// it names present instead, inverting its score. It returns the number of
// corrected items.
func EnforceSingleParent(res *Result, present Parent) int {
	if res == nil || !present.Valid() {
		return 0
	}
	corrected := 0
	for i := range res.AnalysisResults {
		item := &res.AnalysisResults[i]
		if item.SimilarTo == present {
			continue
		}
		item.SimilarTo = present
		item.SimilarityScore = 100 - item.SimilarityScore
		corrected++
	}
	return corrected
}
