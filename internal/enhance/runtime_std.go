//go:build !govips || !cgo

package enhance

import (
	"bytes"
	"image"

	"github.com/cockroachdb/errors"
	"github.com/disintegration/imaging"
)

func Startup() error {
	return nil
}

func Shutdown() {}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, errors.Wrap(err, "encode jpeg")
	}
	return buf.Bytes(), nil
}
