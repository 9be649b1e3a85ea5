// Package analysis turns a child photo and one or two parent photos into a
// validated resemblance result by calling a generative model.
//
// The Client owns the orchestration contract around the model: it retries
// transient overload, salvages a JSON object from noisy text, validates the
// payload against the fixed feature schema, and repairs single-parent
// results so every item names the parent that was actually supplied.
package analysis

// Parent identifies which parent a feature resembles.
type Parent string

const (
	Father Parent = "Father"
	Mother Parent = "Mother"
)

// Valid reports whether p is one of the two recognised parents.
func (p Parent) Valid() bool {
	return p == Father || p == Mother
}

// Other returns the opposite parent.
func (p Parent) Other() Parent {
	if p == Father {
		return Mother
	}
	return Father
}

// FeatureParts is the fixed, ordered set of analysed features. A valid
// result has exactly one item per part.
var FeatureParts = []string{"眉毛", "眼睛", "鼻子", "嘴巴", "脸型", "头型", "总结"}

// SummaryPart is the overall-resemblance item.
const SummaryPart = "总结"

// FaceCenter is the nose-tip position in percent of image width/height,
// origin top-left.
type FaceCenter struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Item is the verdict for one feature.
type Item struct {
	Part            string `json:"part"`
	SimilarTo       Parent `json:"similar_to"`
	SimilarityScore int    `json:"similarity_score"`
	Description     string `json:"description"`
}

// Result is a validated analysis.
type Result struct {
	FaceCenter      FaceCenter `json:"face_center"`
	FaceWidth       int        `json:"face_width"`
	AnalysisResults []Item     `json:"analysis_results"`
}

// Image is one prepared upload.
type Image struct {
	Data     []byte
	MIMEType string
}

// Input holds the images for one analysis. Child is required; at least one
// of Father and Mother must be set.
type Input struct {
	Child  Image
	Father *Image
	Mother *Image
}

// SingleParent returns the supplied parent when exactly one parent image is
// present.
func (in Input) SingleParent() (Parent, bool) {
	switch {
	case in.Father != nil && in.Mother == nil:
		return Father, true
	case in.Mother != nil && in.Father == nil:
		return Mother, true
	default:
		return "", false
	}
}
