package pybind

import "runtime"

// From 3.7 on the interpreter list hangs off the process-wide _PyRuntime
// struct. _PyRuntime holds mutexes whose size varies by OS and
// architecture, so its layout can't be described portably; instead the
// offsets of the two members we care about are tabulated here (64-bit
// builds). There are no OS-specific members before pyinterpreters.head,
// so InterpHeadOffset holds everywhere.

// InterpHeadOffset returns the offset of pyinterpreters.head inside
// _PyRuntime.
func InterpHeadOffset(v Version) uint64 {
	switch {
	case v.Major == 3 && v.Minor == 7:
		return 24
	case v.Major == 3 && v.Minor == 8:
		if v.Patch == 0 {
			switch v.ReleaseFlags {
			case "a3", "a4", "b1":
				return 32
			}
		}
		return 24
	case v.Major == 3 && (v.Minor == 9 || v.Minor == 10):
		return 32
	case v.Major == 3 && v.Minor == 11:
		return 40
	case v.Major == 3 && v.Minor == 12:
		return 48
	}
	return 24
}

// TstateCurrentOffset returns the offset of gilstate.tstate_current inside
// _PyRuntime, used to work out which thread holds the GIL. The offset
// differs per OS and per release (and even between 3.8 prereleases); a
// false return means GIL detection is unavailable for this combination.
func TstateCurrentOffset(v Version) (uint64, bool) {
	if v.Major != 3 {
		return 0, false
	}
	switch runtime.GOOS {
	case "linux":
		switch v.Minor {
		case 7:
			return 1392, true
		case 8:
			if v.Patch == 0 {
				switch v.ReleaseFlags {
				case "a1":
					return 1384, true
				case "a2":
					return 840, true
				case "a3", "a4":
					return 1400, true
				case "b1":
					return 1368, true
				}
			}
			return 1368, true
		case 9, 10:
			return 568, true
		}
	case "darwin":
		switch v.Minor {
		case 7:
			return 1440, true
		case 8:
			if v.Patch == 0 {
				switch v.ReleaseFlags {
				case "a1":
					return 1432, true
				case "a2":
					return 888, true
				case "a3", "a4":
					return 1448, true
				case "b1":
					return 1416, true
				}
			}
			return 1416, true
		case 9, 10:
			return 616, true
		}
	case "windows":
		switch v.Minor {
		case 7:
			return 1320, true
		case 8:
			if v.Patch == 0 {
				switch v.ReleaseFlags {
				case "a1":
					return 1312, true
				case "a2":
					return 768, true
				case "a3", "a4":
					return 1328, true
				case "b1":
					return 1296, true
				}
			}
			return 1296, true
		case 9, 10:
			return 520, true
		}
	}
	return 0, false
}
