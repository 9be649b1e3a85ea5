package analysis

// Gemini model IDs suitable for multi-image analysis.
//
// | Model Name               | API Model ID            | Use Case                      |
// |--------------------------|-------------------------|-------------------------------|
// | Gemini 3.1 Pro (Preview) | gemini-3.1-pro-preview  | Best for complex reasoning    |
// | Gemini 3 Flash (Preview) | gemini-3-flash-preview  | Best for speed + intelligence |
// | Gemini 2.5 Pro           | gemini-2.5-pro          | Stable, high-reasoning tasks  |
// | Gemini 2.5 Flash         | gemini-2.5-flash        | Stable, balanced performance  |
const (
	ModelGemini31ProPreview  = "gemini-3.1-pro-preview"
	ModelGemini3FlashPreview = "gemini-3-flash-preview"
	ModelGemini25Pro         = "gemini-2.5-pro"
	ModelGemini25Flash       = "gemini-2.5-flash"
)

// DefaultModelName is used when GEMINI_MODEL is unset.
const DefaultModelName = ModelGemini3FlashPreview

// DefaultTemperature matches GEMINI_TEMPERATURE's default.
const DefaultTemperature float32 = 1.0

// maxOutputTokens bounds the JSON reply; seven short items fit comfortably.
const maxOutputTokens = 8192
