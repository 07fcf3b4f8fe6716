// Package pybind knows the memory layout of CPython's interpreter
// structures, version by version: where the fields the profiler needs live
// inside PyInterpreterState, PyThreadState, frame and code objects on
// 64-bit builds, plus the version string scanner used to classify a target.
package pybind

import (
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// Version identifies the CPython release running in a target process.
type Version struct {
	Major, Minor, Patch uint64
	// ReleaseFlags holds prerelease tags like "rc1" or "b2".
	ReleaseFlags string
	// BuildMetadata holds the part after a '+', e.g. a distro suffix.
	BuildMetadata string
}

func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d%s", v.Major, v.Minor, v.Patch, v.ReleaseFlags)
	if v.BuildMetadata != "" {
		s += "+" + v.BuildMetadata
	}
	return s
}

// UnsupportedVersionError reports an interpreter release this build has no
// layout tables for.
type UnsupportedVersionError struct {
	Version Version
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported version of Python: %s", e.Version)
}

// versionRe matches the sys.version string as it appears in the target's
// memory: the release, optional prerelease tag, optional +metadata, then
// the build banner (compiler, date) which we require so a bare "3.8.1"
// in unrelated data doesn't match.
var versionRe = regexp.MustCompile(
	`((2|3)\.(3|4|5|6|7|8|9|10|11|12)\.(\d{1,2}))((a|b|c|rc)\d{1,2})?(\+(?:[0-9a-z-]+(?:[.][0-9a-z-]+)*)?)? (.{1,64})`)

// ScanBytes finds a CPython version string in a block of memory copied
// from the target (typically its BSS section).
func ScanBytes(data []byte) (Version, error) {
	m := versionRe.FindSubmatch(data)
	if m == nil {
		return Version{}, fmt.Errorf("pybind: failed to find version string")
	}

	major, err := strconv.ParseUint(string(m[2]), 10, 64)
	if err != nil {
		return Version{}, err
	}
	minor, err := strconv.ParseUint(string(m[3]), 10, 64)
	if err != nil {
		return Version{}, err
	}
	patch, err := strconv.ParseUint(string(m[4]), 10, 64)
	if err != nil {
		return Version{}, err
	}

	version := Version{
		Major:        major,
		Minor:        minor,
		Patch:        patch,
		ReleaseFlags: string(m[5]),
	}
	if len(m[7]) > 0 {
		version.BuildMetadata = string(m[7][1:])
	}

	if runtime.GOOS == "windows" && strings.Contains(string(m[0]), "32 bit") {
		// There are no layout tables for 32-bit targets, and falling
		// back to other detection methods would just produce garbage.
		return Version{}, fmt.Errorf("pybind: 32-bit python is unsupported on windows")
	}
	return version, nil
}
