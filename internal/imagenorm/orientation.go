package imagenorm

import (
	"bytes"
	"image"

	"github.com/evanoberholster/imagemeta"
)

// readOrientation returns the EXIF orientation tag (1–8) of a JPEG, or 1
// when the image has no readable EXIF block.
func readOrientation(data []byte) int {
	exif, err := imagemeta.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	o := int(exif.Orientation)
	if o < 1 || o > 8 {
		return 1
	}
	return o
}

// orient bakes an EXIF orientation into the pixel data so the result
// displays upright with orientation 1.
func orient(src *image.RGBA, orientation int) *image.RGBA {
	if orientation <= 1 || orientation > 8 {
		return src
	}

	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	dw, dh := w, h
	if orientation >= 5 {
		dw, dh = h, w
	}
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))

	for y := 0; y < dh; y++ {
		for x := 0; x < dw; x++ {
			var sx, sy int
			switch orientation {
			case 2: // mirror horizontal
				sx, sy = w-1-x, y
			case 3: // rotate 180
				sx, sy = w-1-x, h-1-y
			case 4: // mirror vertical
				sx, sy = x, h-1-y
			case 5: // transpose
				sx, sy = y, x
			case 6: // rotate 90 CW
				sx, sy = y, h-1-x
			case 7: // transverse
				sx, sy = w-1-y, h-1-x
			case 8: // rotate 90 CCW
				sx, sy = w-1-y, x
			}
			si := src.PixOffset(sx, sy)
			di := dst.PixOffset(x, y)
			copy(dst.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return dst
}
