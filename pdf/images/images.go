// Package images converts signature images into PDF image XObjects.
package images

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"github.com/georgepadayatti/signflow/pdf/writer"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// Common errors
var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrDecodeFailed      = errors.New("image decode failed")
	ErrInvalidDimensions = errors.New("invalid image dimensions")
)

// ColorSpace represents a PDF color space.
type ColorSpace string

const (
	ColorSpaceGray ColorSpace = "DeviceGray"
	ColorSpaceRGB  ColorSpace = "DeviceRGB"
	ColorSpaceCMYK ColorSpace = "DeviceCMYK"
)

// Format represents a source image format.
type Format string

const (
	FormatPNG  Format = "PNG"
	FormatJPEG Format = "JPEG"
)

// Image is an image ready for PDF embedding.
type Image struct {
	Width            int
	Height           int
	BitsPerComponent int
	ColorSpace       ColorSpace
	// Data is the encoded sample data; Filter names its encoding.
	Data   []byte
	Filter string
	// Alpha is the flate-compressed soft mask, nil when fully opaque.
	Alpha []byte
	// Invert is set for Adobe CMYK JPEGs, which store inverted samples.
	Invert bool
	Format Format
}

// Decode reads a PNG or JPEG image.
func Decode(data []byte) (*Image, error) {
	switch detectFormat(data) {
	case FormatPNG:
		return decodePNG(data)
	case FormatJPEG:
		return decodeJPEG(data)
	}
	return nil, ErrUnsupportedFormat
}

// detectFormat detects the image format from the file header.
func detectFormat(data []byte) Format {
	if len(data) < 8 {
		return ""
	}
	if bytes.Equal(data[0:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) {
		return FormatPNG
	}
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return FormatJPEG
	}
	return ""
}

// decodeJPEG keeps the original JPEG stream and embeds it with DCTDecode.
func decodeJPEG(data []byte) (*Image, error) {
	config, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if config.Width <= 0 || config.Height <= 0 {
		return nil, ErrInvalidDimensions
	}

	img := &Image{
		Width:            config.Width,
		Height:           config.Height,
		BitsPerComponent: 8,
		Data:             data,
		Filter:           "DCTDecode",
		Format:           FormatJPEG,
	}
	switch config.ColorModel {
	case color.GrayModel:
		img.ColorSpace = ColorSpaceGray
	case color.CMYKModel:
		img.ColorSpace = ColorSpaceCMYK
		img.Invert = hasAdobeMarker(data)
	default:
		img.ColorSpace = ColorSpaceRGB
	}
	return img, nil
}

// hasAdobeMarker reports whether the JPEG carries an Adobe APP14 segment.
func hasAdobeMarker(data []byte) bool {
	offset := 2
	for offset+4 <= len(data) {
		if data[offset] != 0xFF {
			return false
		}
		marker := data[offset+1]
		if marker == 0xDA || marker == 0xD9 {
			return false
		}
		length := int(data[offset+2])<<8 | int(data[offset+3])
		if marker == 0xEE && offset+4+5 <= len(data) && bytes.Equal(data[offset+4:offset+9], []byte("Adobe")) {
			return true
		}
		offset += 2 + length
	}
	return false
}

// decodePNG re-encodes the pixels as flate-compressed samples with an
// optional soft mask.
func decodePNG(data []byte) (*Image, error) {
	src, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	img, err := FromImage(src)
	if err != nil {
		return nil, err
	}
	img.Format = FormatPNG
	return img, nil
}

// FromImage converts a decoded Go image.
func FromImage(src image.Image) (*Image, error) {
	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, ErrInvalidDimensions
	}

	gray := false
	switch src.ColorModel() {
	case color.GrayModel, color.Gray16Model:
		gray = true
	}

	components := 3
	if gray {
		components = 1
	}
	pixels := make([]byte, 0, width*height*components)
	alpha := make([]byte, 0, width*height)
	opaque := true

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			if gray {
				pixels = append(pixels, c.R)
			} else {
				pixels = append(pixels, c.R, c.G, c.B)
			}
			alpha = append(alpha, c.A)
			if c.A != 0xFF {
				opaque = false
			}
		}
	}

	compressed, err := compressZlib(pixels)
	if err != nil {
		return nil, err
	}
	img := &Image{
		Width:            width,
		Height:           height,
		BitsPerComponent: 8,
		ColorSpace:       ColorSpaceRGB,
		Data:             compressed,
		Filter:           "FlateDecode",
	}
	if gray {
		img.ColorSpace = ColorSpaceGray
	}
	if !opaque {
		if img.Alpha, err = compressZlib(alpha); err != nil {
			return nil, err
		}
	}
	return img, nil
}

// compressZlib compresses data using zlib at a fixed level so output is
// reproducible.
func compressZlib(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HasAlpha reports whether the image carries a soft mask.
func (img *Image) HasAlpha() bool {
	return len(img.Alpha) > 0
}

// Dict returns the image XObject dictionary without the soft mask entry.
func (img *Image) Dict() types.Dict {
	d := types.Dict{
		"Type":             types.Name("XObject"),
		"Subtype":          types.Name("Image"),
		"Width":            types.Integer(img.Width),
		"Height":           types.Integer(img.Height),
		"BitsPerComponent": types.Integer(img.BitsPerComponent),
		"ColorSpace":       types.Name(img.ColorSpace),
		"Filter":           types.Name(img.Filter),
	}
	if img.Invert {
		d["Decode"] = types.Array{
			types.Integer(1), types.Integer(0), types.Integer(1), types.Integer(0),
			types.Integer(1), types.Integer(0), types.Integer(1), types.Integer(0),
		}
	}
	return d
}

// Add writes the image, and its soft mask when present, as new objects of
// the update and returns the image XObject reference.
func (img *Image) Add(w *writer.IncrementalWriter) types.IndirectRef {
	dict := img.Dict()
	if img.HasAlpha() {
		mask := writer.NewStream(types.Dict{
			"Type":             types.Name("XObject"),
			"Subtype":          types.Name("Image"),
			"Width":            types.Integer(img.Width),
			"Height":           types.Integer(img.Height),
			"BitsPerComponent": types.Integer(8),
			"ColorSpace":       types.Name(ColorSpaceGray),
			"Filter":           types.Name("FlateDecode"),
		}, img.Alpha)
		dict["SMask"] = w.AddStream(mask)
	}
	return w.AddStream(writer.NewStream(dict, img.Data))
}
