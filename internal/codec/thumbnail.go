package codec

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"

	"github.com/objectfs/objectfs/pkg/types"
)

// thumbnailEdge is the bounding-box size, in pixels, that each embedded
// image is downscaled to on its longer edge before being placed in the
// collage (spec §4.2 derivation).
const thumbnailEdge = 100

// buildCover derives the thumbnail collage used as the artifact's cover
// image: each embedded window image is downscaled to a thumbnailEdge
// bounding box, then arranged in a grid whose column count minimizes
// |cols/rows - 4/3| (ties broken toward fewer rows). A session with no
// images yields a single blank placeholder tile so the artifact always
// carries a valid PNG cover.
func buildCover(session *types.Session) ([]byte, error) {
	thumbs, err := collectThumbnails(session)
	if err != nil {
		return nil, err
	}
	if len(thumbs) == 0 {
		thumbs = []image.Image{blankTile()}
	}

	cols, rows := bestGrid(len(thumbs))
	collage := composeGrid(thumbs, cols, rows)

	var buf bytes.Buffer
	if err := png.Encode(&buf, collage); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func collectThumbnails(session *types.Session) ([]image.Image, error) {
	var thumbs []image.Image
	for _, win := range session.Windows {
		if win.Image == "" {
			continue
		}
		raw, err := decodeBase64(win.Image)
		if err != nil {
			return nil, err
		}
		img, _, err := image.Decode(bytes.NewReader(raw))
		if err != nil {
			// Skip images that can't be decoded rather than fail the whole
			// derivation; the session JSON itself is still authoritative.
			continue
		}
		thumbs = append(thumbs, downscale(img, thumbnailEdge))
	}
	return thumbs, nil
}

// bestGrid picks the column count for n tiles that minimizes
// |cols/rows - 4/3|, rows = ceil(n/cols), ties broken toward fewer rows
// (i.e. toward more columns).
func bestGrid(n int) (cols, rows int) {
	if n <= 0 {
		return 1, 1
	}

	const targetRatio = 4.0 / 3.0

	bestCols, bestRows := 1, n
	bestScore := math.Abs(float64(bestCols)/float64(bestRows) - targetRatio)

	for c := 1; c <= n; c++ {
		r := (n + c - 1) / c
		score := math.Abs(float64(c)/float64(r) - targetRatio)
		if score < bestScore || (score == bestScore && r < bestRows) {
			bestCols, bestRows, bestScore = c, r, score
		}
	}

	return bestCols, bestRows
}

func composeGrid(thumbs []image.Image, cols, rows int) image.Image {
	cellW, cellH := 0, 0
	for _, t := range thumbs {
		b := t.Bounds()
		if b.Dx() > cellW {
			cellW = b.Dx()
		}
		if b.Dy() > cellH {
			cellH = b.Dy()
		}
	}
	if cellW == 0 {
		cellW = thumbnailEdge
	}
	if cellH == 0 {
		cellH = thumbnailEdge
	}

	canvas := image.NewRGBA(image.Rect(0, 0, cols*cellW, rows*cellH))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	for i, t := range thumbs {
		col := i % cols
		row := i / cols
		origin := image.Pt(col*cellW, row*cellH)
		dstRect := image.Rectangle{Min: origin, Max: origin.Add(t.Bounds().Size())}
		draw.Draw(canvas, dstRect, t, t.Bounds().Min, draw.Src)
	}

	return canvas
}

// downscale resizes img so its longer edge equals edge pixels, preserving
// aspect ratio, using simple nearest-neighbor sampling.
func downscale(img image.Image, edge int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return blankTile()
	}

	var newW, newH int
	if w >= h {
		newW = edge
		newH = int(math.Round(float64(h) * float64(edge) / float64(w)))
	} else {
		newH = edge
		newW = int(math.Round(float64(w) * float64(edge) / float64(h)))
	}
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	for y := 0; y < newH; y++ {
		srcY := b.Min.Y + y*h/newH
		for x := 0; x < newW; x++ {
			srcX := b.Min.X + x*w/newW
			dst.Set(x, y, img.At(srcX, srcY))
		}
	}
	return dst
}

func blankTile() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, thumbnailEdge, thumbnailEdge))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	return img
}
