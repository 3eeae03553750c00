//go:build !windows

package progress

import "os"

// Unix terminals handle ANSI sequences natively.
func enableANSI(*os.File) {}
