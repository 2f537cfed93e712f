// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"runtime"

	"grimm.is/slipwire/internal/brand"
)

// RunVersion prints the build identity.
func RunVersion() {
	fmt.Printf("%s %s (%s, %s/%s)\n", brand.Name, brand.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
