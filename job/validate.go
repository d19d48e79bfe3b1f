package job

import (
	"bytes"

	"github.com/inkfold/docket/errors"
)

// Document format signatures accepted for extraction. Detection is by magic
// number, not filename: the upload transport is external and extensions lie.
var formatSignatures = map[string][]byte{
	"pdf":  []byte("%PDF-"),
	"png":  {0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A},
	"jpeg": {0xFF, 0xD8, 0xFF},
	"tiff_le": {0x49, 0x49, 0x2A, 0x00},
	"tiff_be": {0x4D, 0x4D, 0x00, 0x2A},
}

// heicBrands are the ftyp brands accepted inside an ISO media container.
var heicBrands = []string{"heic", "heix", "mif1", "msf1"}

// ValidateContent performs structural validation on submitted bytes: a size
// ceiling and a format-signature check. It never inspects document contents
// beyond the header. Returns a wrapped errors.ErrValidation on rejection; no
// job row should be created for rejected content.
func ValidateContent(content []byte, maxBytes int64) error {
	if len(content) == 0 {
		return errors.NewValidationError("empty upload")
	}
	if int64(len(content)) > maxBytes {
		return errors.NewValidationError("upload of %d bytes exceeds ceiling of %d", len(content), maxBytes)
	}
	if DetectFormat(content) == "" {
		return errors.NewValidationError("unrecognized document format")
	}
	return nil
}

// DetectFormat sniffs the document format from its leading bytes.
// Returns "" when no known signature matches.
func DetectFormat(content []byte) string {
	for name, sig := range formatSignatures {
		if bytes.HasPrefix(content, sig) {
			switch name {
			case "tiff_le", "tiff_be":
				return "tiff"
			default:
				return name
			}
		}
	}

	// ISO base media container: size(4) + "ftyp" + brand(4)
	if len(content) >= 12 && bytes.Equal(content[4:8], []byte("ftyp")) {
		brand := string(content[8:12])
		for _, b := range heicBrands {
			if brand == b {
				return "heic"
			}
		}
	}

	return ""
}
