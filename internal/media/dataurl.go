package media

import (
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
)

var (
	ErrMalformedDataURL = errors.New("malformed data URL")
	ErrNotImage         = errors.New("data is not an image")
	ErrTooLarge         = errors.New("image exceeds the size limit")
)

// DataURL is a decoded RFC 2397 "data:" URL
type DataURL struct {
	MediaType string
	Data      []byte
}

// IsDataURL reports whether s carries an inline payload rather than a link
func IsDataURL(s string) bool {
	return strings.HasPrefix(s, "data:")
}

// ParseDataURL decodes "data:[<mediatype>][;base64],<data>"
func ParseDataURL(s string) (*DataURL, error) {
	if !IsDataURL(s) {
		return nil, ErrMalformedDataURL
	}
	header, payload, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !ok {
		return nil, ErrMalformedDataURL
	}

	isBase64 := false
	if strings.HasSuffix(header, ";base64") {
		isBase64 = true
		header = strings.TrimSuffix(header, ";base64")
	}
	mediaType := header
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	if mediaType == "" {
		mediaType = "text/plain"
	}

	var data []byte
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			// Some encoders drop the padding
			decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
			if err != nil {
				return nil, ErrMalformedDataURL
			}
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return nil, ErrMalformedDataURL
		}
		data = []byte(unescaped)
	}

	return &DataURL{MediaType: strings.ToLower(mediaType), Data: data}, nil
}
