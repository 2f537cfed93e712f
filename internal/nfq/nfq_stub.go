// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package nfq

import (
	"context"

	"grimm.is/slipwire/internal/errors"
)

// Attach requires NFQUEUE, which only linux has. The portable engine
// still runs for tests via HandlePacket.
func (e *Engine) Attach(ctx context.Context) error {
	return errors.New(errors.KindUnavailable, "nfqueue interception requires linux")
}

func (e *Engine) Detach() error { return nil }
