// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hostlist

import (
	"bytes"
	"os"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// ReadListFile reads a list file and decodes legacy encodings to
// UTF-8. Shared with the ipset store so both list kinds accept the
// same file formats. The underlying os error is returned unwrapped so
// callers can distinguish a missing file.
func ReadListFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return decodeText(data)
}

// decodeText turns raw list bytes into UTF-8 text. Lists in the wild
// come from Windows tooling as UTF-16 with BOM or as Windows-1251;
// plain UTF-8 passes through untouched.
func decodeText(data []byte) (string, error) {
	switch {
	case bytes.HasPrefix(data, []byte{0xef, 0xbb, 0xbf}):
		return string(data[3:]), nil
	case bytes.HasPrefix(data, []byte{0xff, 0xfe}):
		dec := unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder()
		out, err := dec.Bytes(data)
		if err != nil {
			return "", err
		}
		return string(out), nil
	case bytes.HasPrefix(data, []byte{0xfe, 0xff}):
		dec := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder()
		out, err := dec.Bytes(data)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}

	if utf8.Valid(data) {
		return string(data), nil
	}

	// Not valid UTF-8 and no BOM: assume Windows-1251, the common
	// legacy encoding for Russian-language lists.
	out, err := charmap.Windows1251.NewDecoder().Bytes(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
