// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package divert

import (
	"context"

	"grimm.is/slipwire/internal/errors"
	"grimm.is/slipwire/internal/netutil"
)

func (d *Diverter) Apply() error {
	return errors.New(errors.KindUnavailable, "traffic steering requires linux")
}

func (d *Diverter) Teardown() error {
	return nil
}

func (d *Diverter) Installed() (bool, error) {
	return false, errors.New(errors.KindUnavailable, "traffic steering requires linux")
}

func (d *Diverter) WatchConntrack(ctx context.Context, forget func(netutil.Tuple)) error {
	return errors.New(errors.KindUnavailable, "conntrack watch requires linux")
}
