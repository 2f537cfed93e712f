// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package payload provides the fake packet bodies injected during
// desync: either templates generated in-process or raw captures
// loaded from disk.
package payload

import (
	"os"

	"grimm.is/slipwire/internal/errors"
)

// maxSize caps loaded payload files. A fake has to fit in one
// unfragmented packet to be useful; anything bigger is a mistake.
const maxSize = 64 * 1024

// Load reads a raw payload file.
func Load(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf(errors.KindNotFound, "payload file not found: %s", path)
		}
		return nil, errors.Wrap(err, errors.KindInternal, "failed to stat payload file")
	}
	if info.Size() > maxSize {
		return nil, errors.Errorf(errors.KindValidation, "payload file %s exceeds %d bytes", path, maxSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to read payload file")
	}
	if len(data) == 0 {
		return nil, errors.Errorf(errors.KindValidation, "payload file %s is empty", path)
	}
	return data, nil
}

// Default returns the built-in fake body for a transport protocol:
// a TLS ClientHello for TCP, a QUIC Initial for UDP.
func Default(proto uint8) []byte {
	if proto == 17 {
		return DefaultQUIC()
	}
	return DefaultTLS()
}
