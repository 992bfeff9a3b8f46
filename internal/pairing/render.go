// Package pairing renders pairing challenges as scannable QR images.
package pairing

import (
	"encoding/base64"
	"errors"

	qrcode "github.com/skip2/go-qrcode"
)

// DefaultSize is the PNG edge length in pixels.
const DefaultSize = 256

const dataURLPrefix = "data:image/png;base64,"

var ErrEmptyCode = errors.New("empty pairing code")

// PNG encodes code as a QR image. size <= 0 uses DefaultSize.
func PNG(code string, size int) ([]byte, error) {
	if code == "" {
		return nil, ErrEmptyCode
	}
	if size <= 0 {
		size = DefaultSize
	}
	return qrcode.Encode(code, qrcode.Medium, size)
}

// DataURL returns the QR image as an inline "data:image/png;base64,..." URL.
func DataURL(code string, size int) (string, error) {
	png, err := PNG(code, size)
	if err != nil {
		return "", err
	}
	return dataURLPrefix + base64.StdEncoding.EncodeToString(png), nil
}
