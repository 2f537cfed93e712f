// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package inject

import (
	"grimm.is/slipwire/internal/errors"
)

func newRawConn(mark uint32) (rawConn, error) {
	_ = mark
	return nil, errors.New(errors.KindUnavailable, "raw packet injection requires linux")
}
