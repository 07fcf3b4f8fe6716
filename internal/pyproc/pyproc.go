// Package pyproc identifies the CPython interpreter inside a target
// process: which mapped binaries hold it, which release it is, and where
// its interpreter-state struct lives.
package pyproc

import (
	"errors"
	"fmt"
	"regexp"
	"runtime"
	"strings"

	"openspy/internal/binparse"
	"openspy/internal/logging"
	"openspy/internal/proc"
)

// ProcessInfo aggregates what we learned from the target's memory map:
// the main interpreter binary and, when the interpreter was built
// --enable-shared, the libpython shared library holding the actual code
// and symbols.
type ProcessInfo struct {
	PythonBinary    *binparse.BinaryInfo
	LibPythonBinary *binparse.BinaryInfo
	Maps            proc.Maps
	PythonFilename  string
	// Dockerized is set when the target runs in another mount
	// namespace, in which case its binaries were read through
	// /proc/<pid>/root.
	Dockerized bool
}

// NewProcessInfo walks the target's memory map and parses the binaries
// that plausibly hold the interpreter.
func NewProcessInfo(p *proc.Process) (*ProcessInfo, error) {
	filename, err := p.Exe()
	if err != nil {
		return nil, fmt.Errorf("pyproc: failed to get process executable name (check that the process is running): %w", err)
	}

	maps, err := p.Maps()
	if err != nil {
		return nil, err
	}
	for i := range maps {
		m := &maps[i]
		logging.Infof("pyproc: map %016x-%016x %s%s%s %s", m.Start, m.End,
			flag(m.Read, "r"), flag(m.Write, "w"), flag(m.Exec, "x"), m.Filename)
	}

	info := &ProcessInfo{Maps: maps, PythonFilename: filename}
	if runtime.GOOS == "linux" {
		if dockerized, err := proc.Dockerized(p.Pid); err == nil {
			info.Dockerized = dockerized
		}
	}

	// Find the executable's own mapping. If the path match fails (the
	// exe link can go stale), fall back to the first map region, which
	// in practice is the executable everywhere we've looked.
	exeMap := findMap(maps, func(m *proc.MapRange) bool {
		return m.Exec && pathMatches(m.Filename, filename)
	})
	if exeMap == nil {
		logging.Warnf("pyproc: failed to find %q in memory maps, falling back to first region", filename)
		if len(maps) == 0 {
			return nil, fmt.Errorf("pyproc: empty memory map")
		}
		exeMap = &maps[0]
	}

	pythonBinary, err := parseMapped(p, exeMap, readPath(p, filename, info.Dockerized))
	if err != nil {
		logging.Warnf("pyproc: failed to parse main binary: %v", err)
	} else {
		rebaseDarwinSymbols(pythonBinary, exeMap)
	}
	info.PythonBinary = pythonBinary

	// Now the shared library, for --enable-shared builds.
	libMap := findMap(maps, func(m *proc.MapRange) bool {
		return m.Exec && IsPythonLib(m.Filename)
	})
	if libMap != nil {
		logging.Infof("pyproc: found interpreter library @ %s", libMap.Filename)
		lib, err := parseMapped(p, libMap, readPath(p, libMap.Filename, info.Dockerized))
		if err != nil {
			logging.Warnf("pyproc: failed to parse interpreter library: %v", err)
		} else {
			info.LibPythonBinary = lib
		}
	}

	if info.PythonBinary == nil && info.LibPythonBinary == nil {
		return nil, fmt.Errorf("pyproc: failed to parse any interpreter binary")
	}

	loadPlatformSymbols(p, info, exeMap, libMap)
	return info, nil
}

// GetSymbol resolves a symbol, preferring the main binary over the
// shared library.
func (i *ProcessInfo) GetSymbol(name string) (uint64, bool) {
	if i.PythonBinary != nil {
		if addr, ok := i.PythonBinary.Symbols[name]; ok {
			logging.Infof("pyproc: got symbol %s (0x%016x) from main binary", name, addr)
			return addr, true
		}
	}
	if i.LibPythonBinary != nil {
		if addr, ok := i.LibPythonBinary.Symbols[name]; ok {
			logging.Infof("pyproc: got symbol %s (0x%016x) from interpreter library", name, addr)
			return addr, true
		}
	}
	return 0, false
}

// ContainsAddr reports whether the memory map covers addr. On Windows
// the module list is too coarse to act as a filter, so everything
// passes and validation falls back to attempting the read.
func (i *ProcessInfo) ContainsAddr(addr uint64) bool {
	if runtime.GOOS == "windows" {
		return true
	}
	return i.Maps.ContainsAddr(addr)
}

// InstallPath guesses the interpreter's install prefix from its
// executable path, used to shorten filenames in output.
func (i *ProcessInfo) InstallPath() string {
	path := i.PythonFilename
	if idx := strings.LastIndexByte(path, '/'); idx > 0 {
		path = path[:idx]
		if strings.HasSuffix(path, "/bin") {
			path = path[:len(path)-len("/bin")]
		}
	}
	return path
}

func flag(set bool, s string) string {
	if set {
		return s
	}
	return "-"
}

func findMap(maps proc.Maps, pred func(*proc.MapRange) bool) *proc.MapRange {
	for i := range maps {
		if pred(&maps[i]) {
			return &maps[i]
		}
	}
	return nil
}

func pathMatches(a, b string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// readPath returns the path to read a mapped file from. For targets in
// another mount namespace the file is only reachable through the
// target's own root.
func readPath(p *proc.Process, path string, dockerized bool) string {
	if runtime.GOOS == "linux" && dockerized {
		return fmt.Sprintf("/proc/%d/root%s", p.Pid, path)
	}
	return path
}

// parseMapped parses the binary backing a map entry. Regions without a
// backing file on disk (vdso-like) are copied out of the target instead.
func parseMapped(p *proc.Process, m *proc.MapRange, path string) (*binparse.BinaryInfo, error) {
	info, err := binparse.ParseFile(path, m.Start, m.Size())
	if err == nil {
		return info, nil
	}
	var parseErr *binparse.ParseError
	if errors.As(err, &parseErr) {
		return nil, err
	}
	// The file wasn't readable; try the in-memory image.
	data, copyErr := p.Copy(m.Start, int(m.Size()))
	if copyErr != nil {
		return nil, err
	}
	return binparse.Parse(data, m.Filename, m.Start, m.Size())
}

// rebaseDarwinSymbols adjusts Mach-O symbol addresses by the
// _mh_execute_header value: the parser added the map start to link-time
// addresses that were already absolute. Without the header symbol there
// is nothing to anchor on, so leave the addresses as parsed.
func rebaseDarwinSymbols(binary *binparse.BinaryInfo, m *proc.MapRange) {
	if runtime.GOOS != "darwin" || binary == nil {
		return
	}
	header, ok := binary.Symbols["mh_execute_header"]
	if !ok {
		logging.Warnf("pyproc: no _mh_execute_header symbol; keeping map start as base")
		return
	}
	offset := header - m.Start
	for name, addr := range binary.Symbols {
		binary.Symbols[name] = addr - offset
	}
	for i := range binary.BSS {
		if binary.BSS[i].Addr != 0 {
			binary.BSS[i].Addr -= offset
		}
	}
}

var (
	linuxLibRe   = regexp.MustCompile(`/libpython\d\.\d\d?(m|d|u)?\.so`)
	darwinLibRe  = regexp.MustCompile(`/libpython\d\.\d\d?(m|d|u)?\.(dylib|so)$`)
	windowsLibRe = regexp.MustCompile(`(?i)\\python\d\d\d?(m|d|u)?\.dll$`)
)

// IsPythonLib reports whether a mapped filename is the interpreter's
// shared library.
func IsPythonLib(pathname string) bool {
	switch runtime.GOOS {
	case "darwin":
		return darwinLibRe.MatchString(pathname) || IsPythonFramework(pathname)
	case "windows":
		return windowsLibRe.MatchString(pathname)
	default:
		return linuxLibRe.MatchString(pathname)
	}
}

// IsPythonFramework recognizes the macOS framework build's dylib, whose
// filename is just "Python".
func IsPythonFramework(pathname string) bool {
	return strings.HasSuffix(pathname, "/Python") && !strings.Contains(pathname, "Python.app")
}
