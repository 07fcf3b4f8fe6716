package pyproc

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"openspy/internal/binparse"
	"openspy/internal/logging"
	"openspy/internal/proc"
	"openspy/internal/pybind"
)

// DetectVersion works out which CPython release the target runs, trying
// in order: the version string behind the Py_GetVersion static, a scan
// of the main binary's BSS, a scan of the shared library's BSS, and
// finally the version encoded in the executable's filename.
func DetectVersion(info *ProcessInfo, mem proc.Memory) (pybind.Version, error) {
	if addr, ok := info.GetSymbol("Py_GetVersion.version"); ok {
		logging.Infof("pyproc: getting version from symbol address")
		if data, err := mem.Copy(addr, 128); err == nil {
			if version, err := pybind.ScanBytes(data); err == nil {
				return version, nil
			}
		}
	}

	if info.PythonBinary != nil {
		logging.Infof("pyproc: getting version from main binary BSS")
		if version, err := scanBSS(info.PythonBinary, mem); err == nil {
			return version, nil
		} else {
			logging.Infof("pyproc: failed to get version from BSS: %v", err)
		}
	}

	if info.LibPythonBinary != nil {
		logging.Infof("pyproc: getting version from interpreter library BSS")
		if version, err := scanBSS(info.LibPythonBinary, mem); err == nil {
			return version, nil
		} else {
			logging.Infof("pyproc: failed to get version from library BSS: %v", err)
		}
	}

	// The filename might encode the version (/usr/bin/python3.11). The
	// patch level is lost but nothing downstream needs it.
	logging.Infof("pyproc: trying to get version from path %s", info.PythonFilename)
	base := filepath.Base(info.PythonFilename)
	if rest, ok := strings.CutPrefix(base, "python"); ok {
		tokens := strings.Split(rest, ".")
		if len(tokens) >= 2 {
			major, errMajor := strconv.ParseUint(tokens[0], 10, 64)
			minor, errMinor := strconv.ParseUint(tokens[1], 10, 64)
			if errMajor == nil && errMinor == nil {
				return pybind.Version{Major: major, Minor: minor}, nil
			}
		}
	}
	return pybind.Version{}, fmt.Errorf("pyproc: failed to find python version in target process")
}

// scanBSS copies each BSS range out of the target and scans it for a
// version string.
func scanBSS(binary *binparse.BinaryInfo, mem proc.Memory) (pybind.Version, error) {
	var lastErr error
	for _, section := range binary.BSS {
		data, err := mem.Copy(section.Addr, int(section.Size))
		if err != nil {
			lastErr = err
			continue
		}
		version, err := pybind.ScanBytes(data)
		if err == nil {
			return version, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no BSS sections")
	}
	return pybind.Version{}, lastErr
}
