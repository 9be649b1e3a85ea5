package analysis

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"github.com/fpang/family-resemblance/internal/apperr"
	"github.com/fpang/family-resemblance/internal/jsonutil"
)

// parseLayer is one salvage strategy for model text.
type parseLayer struct {
	name  string
	parse func(raw string) (map[string]any, error)
}

// parseLayers are tried in order; the first success wins.
var parseLayers = []parseLayer{
	{"strict", parseStrict},
	{"extracted", parseExtracted},
	{"literal", parseLiteral},
}

// ParsePayload extracts the result object from raw model text. It fails with
// apperr.MalformedAIResponse carrying raw when every layer fails.
func ParsePayload(raw string) (map[string]any, error) {
	var errs []error
	for _, layer := range parseLayers {
		payload, err := layer.parse(raw)
		if err == nil {
			if layer.name != "strict" {
				log.Debug().Str("layer", layer.name).Msg("Model response salvaged by fallback parser")
			}
			return payload, nil
		}
		errs = append(errs, errors.Wrap(err, layer.name))
	}

	return nil, &apperr.Error{
		Kind:    apperr.MalformedAIResponse,
		Message: "the analysis service returned an unreadable response",
		Raw:     raw,
		Err:     errors.Join(errs...),
	}
}

// parseStrict decodes the fence-stripped text as JSON.
func parseStrict(raw string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(jsonutil.StripMarkdownFences(raw)), &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("payload is not an object")
	}
	return out, nil
}

// parseExtracted decodes the span from the first '{' to the last '}'.
func parseExtracted(raw string) (map[string]any, error) {
	obj, err := jsonutil.ExtractObject(raw)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(obj), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// parseLiteral accepts loose literal syntax inside the extracted span.
func parseLiteral(raw string) (map[string]any, error) {
	obj, err := jsonutil.ExtractObject(raw)
	if err != nil {
		return nil, err
	}
	v, err := jsonutil.ParseLiteral(obj)
	if err != nil {
		return nil, err
	}
	out, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("literal is not an object")
	}
	return out, nil
}
