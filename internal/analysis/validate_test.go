package analysis

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fpang/family-resemblance/internal/apperr"
)

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return m
}

func TestValidate_CanonicalOrder(t *testing.T) {
	payload := decode(t, `{
		"face_center": {"x": 49.6, "y": 40},
		"face_width": 38,
		"analysis_results": [
			{"part": "总结", "similar_to": "Mother", "similarity_score": 70, "description": "整体像妈妈"},
			{"part": "眼睛", "similar_to": "mother", "similarity_score": 88, "description": "a"},
			{"part": "眉毛", "similar_to": "Father", "similarity_score": 75, "description": "b"},
			{"part": "鼻子", "similar_to": "Father", "similarity_score": 60, "description": "c"},
			{"part": "嘴巴", "similar_to": "Mother", "similarity_score": 91, "description": "d"},
			{"part": "脸型", "similar_to": "Father", "similarity_score": 55, "description": "e"},
			{"part": "头型", "similar_to": "Father", "similarity_score": 66, "description": " f "}
		]
	}`)

	res, err := Validate(payload)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	var parts []string
	for _, item := range res.AnalysisResults {
		parts = append(parts, item.Part)
	}
	if diff := cmp.Diff(FeatureParts, parts); diff != "" {
		t.Errorf("part order mismatch (-want +got):\n%s", diff)
	}
	if res.FaceCenter != (FaceCenter{X: 50, Y: 40}) {
		t.Errorf("unexpected face center %+v", res.FaceCenter)
	}
	if res.AnalysisResults[1].SimilarTo != Mother {
		t.Errorf("expected similar_to normalised to Mother, got %q", res.AnalysisResults[1].SimilarTo)
	}
	if res.AnalysisResults[5].Description != "f" {
		t.Errorf("expected trimmed description, got %q", res.AnalysisResults[5].Description)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{"missing face_center", func(m map[string]any) { delete(m, "face_center") }},
		{"x out of range", func(m map[string]any) { m["face_center"].(map[string]any)["x"] = 120.0 }},
		{"width not a number", func(m map[string]any) { m["face_width"] = "wide" }},
		{"results not a list", func(m map[string]any) { m["analysis_results"] = "none" }},
		{"too few items", func(m map[string]any) {
			m["analysis_results"] = m["analysis_results"].([]any)[:6]
		}},
		{"duplicate part", func(m map[string]any) {
			items := m["analysis_results"].([]any)
			items[1].(map[string]any)["part"] = items[0].(map[string]any)["part"]
		}},
		{"unknown part", func(m map[string]any) {
			m["analysis_results"].([]any)[0].(map[string]any)["part"] = "耳朵"
		}},
		{"bad parent", func(m map[string]any) {
			m["analysis_results"].([]any)[0].(map[string]any)["similar_to"] = "Uncle"
		}},
		{"negative score", func(m map[string]any) {
			m["analysis_results"].([]any)[0].(map[string]any)["similarity_score"] = -3.0
		}},
		{"missing description", func(m map[string]any) {
			delete(m["analysis_results"].([]any)[0].(map[string]any), "description")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := decode(t, validJSON())
			tt.mutate(payload)
			_, err := Validate(payload)
			if !apperr.Is(err, apperr.InvalidAIPayload) {
				t.Errorf("expected InvalidAIPayload, got %v", err)
			}
		})
	}
}

func TestEnforceSingleParent(t *testing.T) {
	res := &Result{AnalysisResults: []Item{
		{Part: "眉毛", SimilarTo: Mother, SimilarityScore: 80},
		{Part: "眼睛", SimilarTo: Father, SimilarityScore: 65},
		{Part: "鼻子", SimilarTo: Mother, SimilarityScore: 0},
	}}

	n := EnforceSingleParent(res, Father)
	if n != 2 {
		t.Errorf("expected 2 corrections, got %d", n)
	}
	want := []Item{
		{Part: "眉毛", SimilarTo: Father, SimilarityScore: 20},
		{Part: "眼睛", SimilarTo: Father, SimilarityScore: 65},
		{Part: "鼻子", SimilarTo: Father, SimilarityScore: 100},
	}
	if diff := cmp.Diff(want, res.AnalysisResults); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if n := EnforceSingleParent(res, Father); n != 0 {
		t.Errorf("expected enforcement to be idempotent, got %d corrections", n)
	}
}

func TestParsePayload_Layers(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"strict", validJSON()},
		{"fenced", "```json\n" + validJSON() + "\n```"},
		{"surrounded by prose", "Here you go:\n" + validJSON() + "\nHope this helps!"},
		{"single-quoted literal", `{'face_center': {'x': 50, 'y': 45}, 'face_width': 40, 'analysis_results': [], 'ok': True,}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := ParsePayload(tt.raw)
			if err != nil {
				t.Fatalf("ParsePayload: %v", err)
			}
			if _, ok := payload["face_center"]; !ok {
				t.Errorf("expected face_center in %v", payload)
			}
		})
	}
}

func TestParsePayload_Malformed(t *testing.T) {
	_, err := ParsePayload("{not even close")
	if !apperr.Is(err, apperr.MalformedAIResponse) {
		t.Fatalf("expected MalformedAIResponse, got %v", err)
	}
	if apperr.RawText(err) != "{not even close" {
		t.Errorf("expected raw text preserved, got %q", apperr.RawText(err))
	}
}
