// Package imagenorm converts uploaded photos into a (bytes, MIME type) pair
// the analysis model can consume while keeping the pixel grid the model
// reasons about identical to what a person viewing the upload sees.
//
// Uploads that are already in a supported format, within the profile's
// limits and (for JPEG) carry no EXIF rotation are passed through byte for
// byte. Everything else has its orientation baked in, is flattened onto an
// opaque background, downscaled if needed and re-encoded as JPEG.
package imagenorm

import (
	"bytes"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"mime"
	"strings"

	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/fpang/family-resemblance/internal/apperr"
)

// Profile bounds the output for one image role.
type Profile struct {
	Name         string
	MaxDimension int
	MaxBytes     int
	Quality      int
}

// ChildProfile keeps the measured image close to full resolution so the
// model's percentage coordinates stay precise.
var ChildProfile = Profile{Name: "child", MaxDimension: 8192, MaxBytes: 6 << 20, Quality: 90}

// ParentProfile is tighter: reference photos only need coarse feature detail.
var ParentProfile = Profile{Name: "parent", MaxDimension: 2048, MaxBytes: 3 << 20, Quality: 85}

const (
	// maxPixels rejects decompression bombs before a full decode.
	maxPixels = 120_000_000

	minQuality  = 40
	qualityStep = 10
	shrinkRatio = 0.85
	minSide     = 16
)

// passthroughFormats are the formats the model accepts unmodified.
var passthroughFormats = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"webp": "image/webp",
}

// Result is a normalized image.
type Result struct {
	Data        []byte
	MIMEType    string
	Width       int
	Height      int
	Passthrough bool
}

// NormalizeMIMEType lower-cases a declared content type, strips parameters
// and maps the non-standard image/jpg to image/jpeg. Non-image types
// normalize to "".
func NormalizeMIMEType(declared string) string {
	mt, _, err := mime.ParseMediaType(strings.TrimSpace(declared))
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(declared))
	}
	if mt == "image/jpg" || mt == "image/pjpeg" {
		return "image/jpeg"
	}
	if !strings.HasPrefix(mt, "image/") {
		return ""
	}
	return mt
}

// Normalize prepares one upload for the model according to p. The detected
// format always wins over declaredType, which is only used for logging.
// Undecodable input fails with apperr.InvalidImage.
func Normalize(data []byte, declaredType string, p Profile) (*Result, error) {
	if len(data) == 0 {
		return nil, apperr.New(apperr.InvalidImage, "image is empty")
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidImage, err, "image format is invalid or the file is corrupt")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > maxPixels {
		return nil, apperr.New(apperr.InvalidImage, "image dimensions are not supported")
	}

	orientation := 1
	if format == "jpeg" {
		orientation = readOrientation(data)
	}

	declared := NormalizeMIMEType(declaredType)
	if mt, ok := canPassThrough(format, cfg.Width, cfg.Height, len(data), orientation, p); ok {
		log.Debug().
			Str("profile", p.Name).
			Str("format", format).
			Str("declared", declared).
			Int("width", cfg.Width).
			Int("height", cfg.Height).
			Int("bytes", len(data)).
			Msg("Image passed through unmodified")
		return &Result{Data: data, MIMEType: mt, Width: cfg.Width, Height: cfg.Height, Passthrough: true}, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidImage, err, "image format is invalid or the file is corrupt")
	}

	canvas := orient(flatten(img), orientation)
	out, w, h, err := encodeWithinLimits(canvas, p)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("profile", p.Name).
		Str("format", format).
		Str("declared", declared).
		Int("orientation", orientation).
		Int("orig_width", cfg.Width).
		Int("orig_height", cfg.Height).
		Int("width", w).
		Int("height", h).
		Int("orig_bytes", len(data)).
		Int("bytes", len(out)).
		Msg("Image normalized")

	return &Result{Data: out, MIMEType: "image/jpeg", Width: w, Height: h}, nil
}

// canPassThrough decides the fast path and returns the output MIME type.
func canPassThrough(format string, width, height, size, orientation int, p Profile) (string, bool) {
	mt, ok := passthroughFormats[format]
	if !ok {
		return "", false
	}
	if max(width, height) > p.MaxDimension || size > p.MaxBytes {
		return "", false
	}
	if format == "jpeg" && orientation != 1 {
		return "", false
	}
	return mt, true
}

// flatten draws img onto an opaque white RGBA canvas, dropping alpha and
// palette indirection.
func flatten(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// targetSize scales (w, h) so the longer side is at most limit, preserving
// aspect ratio.
func targetSize(w, h, limit int) (int, int) {
	longest := max(w, h)
	if longest <= limit {
		return w, h
	}
	ratio := float64(limit) / float64(longest)
	nw := max(1, int(float64(w)*ratio))
	nh := max(1, int(float64(h)*ratio))
	return min(nw, limit), min(nh, limit)
}

func resize(src *image.RGBA, w, h int) *image.RGBA {
	if src.Bounds().Dx() == w && src.Bounds().Dy() == h {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// encodeWithinLimits downscales to the profile's dimension limit and encodes
// JPEG, then lowers quality and shrinks further until the byte limit holds.
func encodeWithinLimits(src *image.RGBA, p Profile) ([]byte, int, int, error) {
	w, h := targetSize(src.Bounds().Dx(), src.Bounds().Dy(), p.MaxDimension)
	quality := p.Quality

	for {
		scaled := resize(src, w, h)
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: quality}); err != nil {
			return nil, 0, 0, apperr.Wrap(apperr.Internal, err, "encode jpeg")
		}
		if buf.Len() <= p.MaxBytes {
			return buf.Bytes(), w, h, nil
		}

		if quality > minQuality {
			quality = max(minQuality, quality-qualityStep)
			continue
		}
		if w <= minSide && h <= minSide {
			return nil, 0, 0, apperr.New(apperr.InvalidImage, "image cannot be reduced below the size limit")
		}
		w = max(1, int(float64(w)*shrinkRatio))
		h = max(1, int(float64(h)*shrinkRatio))
	}
}
