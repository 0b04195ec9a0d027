package enhance

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

type ImagingConfig struct {
	MaxDimension int
	Padding      int
	Contrast     float64
	Sharpen      float64
	JPEGQuality  int
}

// Imaging places the subject on the requested background style: decode,
// fit, tone, composite, encode. Each stage is one step.
type Imaging struct {
	cfg ImagingConfig
}

const (
	stageDecode = iota
	stageFit
	stageTone
	stageComposite
	stageEncode
)

const imagingStageDelta = 20

func NewImaging(cfg ImagingConfig) Imaging {
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = 2048
	}
	if cfg.Padding <= 0 {
		cfg.Padding = 48
	}
	if cfg.Contrast == 0 {
		cfg.Contrast = 8
	}
	if cfg.Sharpen == 0 {
		cfg.Sharpen = 0.6
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 90
	}
	return Imaging{cfg: cfg}
}

var styleBackgrounds = map[string]color.NRGBA{
	"white":     {R: 255, G: 255, B: 255, A: 255},
	"soft grey": {R: 229, G: 229, B: 231, A: 255},
	"studio":    {R: 236, G: 232, B: 226, A: 255},
	"black":     {R: 18, G: 18, B: 20, A: 255},
}

// BackgroundFor maps a style name to its backdrop colour, white when unknown.
func BackgroundFor(style string) color.NRGBA {
	if c, ok := styleBackgrounds[strings.ToLower(strings.TrimSpace(style))]; ok {
		return c
	}
	return styleBackgrounds["white"]
}

func (w Imaging) Step(ctx context.Context, state State) (Step, error) {
	if err := ctx.Err(); err != nil {
		return Step{}, err
	}

	if state.Iteration == stageDecode {
		img, err := decodePayload(state.Input)
		if err != nil {
			return Step{}, err
		}
		return Step{ProgressDelta: imagingStageDelta, Scratch: img}, nil
	}

	img, ok := state.Scratch.(image.Image)
	if !ok || img == nil {
		return Step{}, errors.Newf("stage %d has no decoded image", state.Iteration)
	}

	switch state.Iteration {
	case stageFit:
		b := img.Bounds()
		if b.Dx() > w.cfg.MaxDimension || b.Dy() > w.cfg.MaxDimension {
			img = imaging.Fit(img, w.cfg.MaxDimension, w.cfg.MaxDimension, imaging.Lanczos)
		}
		return Step{ProgressDelta: imagingStageDelta, Scratch: img}, nil
	case stageTone:
		img = imaging.AdjustContrast(img, w.cfg.Contrast)
		img = imaging.Sharpen(img, w.cfg.Sharpen)
		return Step{ProgressDelta: imagingStageDelta, Scratch: img}, nil
	case stageComposite:
		b := img.Bounds()
		canvas := imaging.New(b.Dx()+2*w.cfg.Padding, b.Dy()+2*w.cfg.Padding, BackgroundFor(state.Style))
		out := imaging.OverlayCenter(canvas, img, 1.0)
		return Step{ProgressDelta: imagingStageDelta, Scratch: image.Image(out)}, nil
	case stageEncode:
		data, err := encodeJPEG(img, w.cfg.JPEGQuality)
		if err != nil {
			return Step{}, err
		}
		return Step{Done: true, Output: base64.StdEncoding.EncodeToString(data)}, nil
	default:
		return Step{}, errors.Newf("unexpected stage %d", state.Iteration)
	}
}

// decodePayload accepts raw base64 or a data URI.
func decodePayload(payload string) (image.Image, error) {
	payload = strings.TrimSpace(payload)
	if i := strings.Index(payload, ";base64,"); strings.HasPrefix(payload, "data:") && i >= 0 {
		payload = payload[i+len(";base64,"):]
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, errors.Wrap(err, "decode base64 payload")
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrap(err, "decode source image")
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, errors.New("source image has invalid dimensions")
	}
	return img, nil
}
