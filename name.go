package flashfs

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// encodeName converts a filename to its zero padded on-flash form.
// Names are NFC normalized so that visually identical names map to
// the same directory entry regardless of how the caller composed them.
func encodeName(name string) (enc [nameSize]byte, err error) {
	if !utf8.ValidString(name) {
		return enc, ErrInvalidName
	}
	name = norm.NFC.String(name)
	if len(name) == 0 || len(name) > nameSize || strings.IndexByte(name, 0) >= 0 {
		return enc, ErrInvalidName
	}
	copy(enc[:], name)
	return enc, nil
}

// ValidName reports whether name can be stored in the directory.
func ValidName(name string) bool {
	_, err := encodeName(name)
	return err == nil
}
