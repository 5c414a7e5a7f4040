package attach

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrNotDataURL is returned by ParseDataURL for inputs that are not an
// embedded base64 image.
var ErrNotDataURL = errors.New("not a base64 image data URL")

// Image is a decoded data: URL payload.
type Image struct {
	MimeType string
	Data     []byte
}

// Extension returns the file extension implied by the MIME type.
func (i Image) Extension() string {
	ext := i.MimeType[strings.LastIndex(i.MimeType, "/")+1:]
	if ext == "jpeg" {
		return "jpg"
	}
	if ext == "" {
		return "bin"
	}
	return ext
}

// IsDataURL reports whether s looks like an embedded image.
func IsDataURL(s string) bool {
	return strings.HasPrefix(s, "data:image/")
}

// ParseDataURL decodes "data:image/<type>;base64,<payload>".
func ParseDataURL(s string) (Image, error) {
	if !IsDataURL(s) {
		return Image{}, ErrNotDataURL
	}
	header, encoded, ok := strings.Cut(s, ",")
	if !ok {
		return Image{}, fmt.Errorf("%w: missing payload separator", ErrNotDataURL)
	}
	mediaType, params, _ := strings.Cut(strings.TrimPrefix(header, "data:"), ";")
	if !strings.Contains(params, "base64") {
		return Image{}, fmt.Errorf("%w: payload is not base64", ErrNotDataURL)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// Some clients strip the padding.
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if err != nil {
			return Image{}, fmt.Errorf("%w: decoding payload: %v", ErrNotDataURL, err)
		}
	}
	if len(data) == 0 {
		return Image{}, fmt.Errorf("%w: empty payload", ErrNotDataURL)
	}
	return Image{MimeType: mediaType, Data: data}, nil
}
