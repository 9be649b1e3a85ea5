package analysis

import (
	"fmt"
	"strings"
)

// systemInstruction describes the task and the output contract. The part
// names are the schema's fixed keys and must match FeatureParts.
var systemInstruction = `You are an expert in facial landmark localisation and family resemblance.

Locate the child's nose tip in the child photo, measure the child's face width,
and compare the child's facial features with the supplied parent photos.

Coordinates: origin (0,0) is the top-left corner of the child photo and (100,100)
is the bottom-right corner. X grows to the right and Y grows downwards.

- face_center: the centre of the child's nose tip as integer percentages {x, y}, each 0-100.
- face_width: the widest left-to-right span of the child's face as an integer
  percentage (0-100) of the image width.

Analyse exactly these seven parts, in this order, with no additions or omissions:
` + strings.Join(FeatureParts, ", ") + `

For each part give similar_to ("Father" or "Mother"), an integer similarity_score
from 50 to 99, and a short, warm, light-hearted description. The last part is an
overall summary of 80-120 characters. Never mention genes, heredity, DNA or blood.

Return only one JSON object:
{
  "face_center": {"x": int, "y": int},
  "face_width": int,
  "analysis_results": [
    {"part": string, "similar_to": "Father" | "Mother", "similarity_score": int, "description": string}
  ]
}`

// singleParentAddendum constrains a one-parent analysis.
const singleParentAddendum = `Only the %[1]s's photo was supplied. Every item must use similar_to "%[1]s".
If a feature would otherwise resemble the %[2]s, still attribute it to the %[1]s
and give a low similarity_score to show the weak resemblance.`

// Part is one element of a model request: text or inline image data.
type Part struct {
	Text     string
	Data     []byte
	MIMEType string
}

// Request is a single model call.
type Request struct {
	SystemInstruction string
	Parts             []Part
}

// BuildRequest assembles the labelled multi-image prompt: parents first,
// then the child photo the coordinates refer to.
func BuildRequest(in Input) Request {
	parts := []Part{{Text: "Analyse this family's photos and reply with the JSON object only."}}

	if in.Father != nil {
		parts = append(parts, Part{Text: "Father's photo:"}, imagePart(*in.Father))
	}
	if in.Mother != nil {
		parts = append(parts, Part{Text: "Mother's photo:"}, imagePart(*in.Mother))
	}
	parts = append(parts, Part{Text: "Child's photo (all coordinates refer to this image):"}, imagePart(in.Child))

	if present, ok := in.SingleParent(); ok {
		parts = append(parts, Part{Text: fmt.Sprintf(singleParentAddendum, present, present.Other())})
	}

	return Request{SystemInstruction: systemInstruction, Parts: parts}
}

func imagePart(img Image) Part {
	mt := img.MIMEType
	if mt == "" {
		mt = "image/jpeg"
	}
	return Part{Data: img.Data, MIMEType: mt}
}
