package codec

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	ErrUnsupportedFormat      = errors.New("unsupported format")
	ErrCorruptStream          = errors.New("corrupt stream")
	ErrUnsupportedSubformat   = errors.New("unsupported subformat")
	ErrUnsupportedPixelFormat = errors.New("unsupported pixel format")
	ErrImageTooLarge          = errors.New("image exceeds size limits")
	ErrInvalidOption          = errors.New("invalid encode option")
)

// Format is the closed set of image formats the registry knows about.
type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpeg"
	GIF  Format = "gif"
	WebP Format = "webp"
)

// Formats lists every known format in registration order.
func Formats() []Format {
	return []Format{PNG, JPEG, GIF, WebP}
}

// ParseFormat normalises a format name or extension ("jpg", ".PNG").
func ParseFormat(name string) (Format, error) {
	name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "."))
	switch name {
	case "png":
		return PNG, nil
	case "jpg", "jpeg", "jpe":
		return JPEG, nil
	case "gif":
		return GIF, nil
	case "webp":
		return WebP, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

func (f Format) String() string {
	return string(f)
}

// Extension is the canonical file extension, without the dot.
func (f Format) Extension() string {
	if f == JPEG {
		return "jpg"
	}
	return string(f)
}

// ContentType is the MIME type used for object storage uploads.
func (f Format) ContentType() string {
	switch f {
	case JPEG:
		return "image/jpeg"
	case GIF:
		return "image/gif"
	case WebP:
		return "image/webp"
	default:
		return "image/png"
	}
}

func extensionOf(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}
