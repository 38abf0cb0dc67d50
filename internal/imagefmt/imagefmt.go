// Package imagefmt classifies image payloads by their leading magic bytes.
//
// Only the first 12 bytes of a payload are ever inspected. Detect is the
// validating call used to reject unsupported uploads; MIME never fails and
// resolves unrecognized payloads to image/jpeg so outbound form parts always
// carry a content type. The two calls are independent by contract and may
// disagree on a malformed buffer.
package imagefmt

import "bytes"

// Format identifies a recognized image container.
type Format string

const (
	JPEG Format = "jpeg"
	PNG  Format = "png"
	GIF  Format = "gif"
	WEBP Format = "webp"
	BMP  Format = "bmp"
)

const headerSize = 12

var jpegMagic = []byte{0xFF, 0xD8, 0xFF}
var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}

var mimeTypes = map[Format]string{
	JPEG: "image/jpeg",
	PNG:  "image/png",
	GIF:  "image/gif",
	WEBP: "image/webp",
	BMP:  "image/bmp",
}

// Detect classifies the payload by signature. Signatures are checked in a
// fixed priority order and the first match wins.
func Detect(data []byte) (Format, bool) {
	header := data
	if len(header) > headerSize {
		header = header[:headerSize]
	}
	switch {
	case bytes.HasPrefix(header, jpegMagic):
		return JPEG, true
	case bytes.HasPrefix(header, pngMagic):
		return PNG, true
	case bytes.HasPrefix(header, []byte("GIF87a")), bytes.HasPrefix(header, []byte("GIF89a")):
		return GIF, true
	case bytes.HasPrefix(header, []byte("RIFF")) && len(header) >= headerSize && bytes.Equal(header[8:12], []byte("WEBP")):
		return WEBP, true
	case bytes.HasPrefix(header, []byte("BM")):
		return BMP, true
	default:
		return "", false
	}
}

// Valid reports whether the payload starts with a recognized signature.
func Valid(data []byte) bool {
	_, ok := Detect(data)
	return ok
}

// MIME resolves the payload's MIME type for outbound uploads. Unrecognized
// payloads resolve to image/jpeg instead of failing; Detect is the call that
// rejects them.
func MIME(data []byte) string {
	format, ok := Detect(data)
	if !ok {
		return "image/jpeg"
	}
	return mimeTypes[format]
}
