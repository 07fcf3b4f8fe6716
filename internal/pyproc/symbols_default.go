//go:build !windows

package pyproc

import "openspy/internal/proc"

// loadPlatformSymbols is only needed on Windows, where symbols live in
// external .pdb files.
func loadPlatformSymbols(p *proc.Process, info *ProcessInfo, exeMap, libMap *proc.MapRange) {
}
