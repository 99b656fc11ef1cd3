package domain

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

var dataURLPattern = regexp.MustCompile(`^data:(image/[a-zA-Z0-9.+-]+);base64,(.*)$`)

// Image is a decoded image payload.
type Image struct {
	MimeType string
	Data     []byte
}

// Extension is the mime subtype, used as the object key suffix.
func (i Image) Extension() string {
	_, sub, _ := strings.Cut(i.MimeType, "/")
	return sub
}

// ParseDataURL decodes data:image/<subtype>;base64,<payload>.
func ParseDataURL(s string) (Image, error) {
	m := dataURLPattern.FindStringSubmatch(s)
	if m == nil {
		return Image{}, fmt.Errorf("%w: not a base64 image data URL", ErrInvalidImage)
	}
	data, err := base64.StdEncoding.DecodeString(m[2])
	if err != nil {
		return Image{}, fmt.Errorf("%w: decode base64: %w", ErrInvalidImage, err)
	}
	if len(data) == 0 {
		return Image{}, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}
	return Image{MimeType: m[1], Data: data}, nil
}
