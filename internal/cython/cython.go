// Package cython translates Cython artifacts back into source terms:
// demangling the generated C function names and mapping generated-C line
// numbers to .pyx coordinates via the markers Cython leaves in its
// output.
package cython

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"openspy/internal/logging"
	"openspy/trace"
)

// SourceMaps caches the line mapping of every generated C file we've
// seen. Files that are not .c/.cpp or cannot be read are cached as nil,
// and a C file without markers gets a map that matches no line, so each
// file is only inspected once.
type SourceMaps struct {
	maps map[string]*sourceMap
}

// NewSourceMaps returns an empty cache.
func NewSourceMaps() *SourceMaps {
	return &SourceMaps{maps: make(map[string]*sourceMap)}
}

// Translate rewrites a native frame's filename/line to the generating
// .pyx source when a map exists, loading it on first sight of the file.
func (s *SourceMaps) Translate(frame *trace.Frame) {
	if s.translateFrame(frame) {
		s.loadMap(frame)
		s.translateFrame(frame)
	}
}

// translateFrame applies an already-loaded map. Returns true when the
// file hasn't been inspected yet.
func (s *SourceMaps) translateFrame(frame *trace.Frame) bool {
	if frame.Line == 0 {
		return false
	}
	m, seen := s.maps[frame.Filename]
	if !seen {
		return true
	}
	if m != nil {
		if file, line, ok := m.lookup(uint32(frame.Line)); ok {
			frame.Filename = file
			frame.Line = int(line)
		}
	}
	return false
}

func (s *SourceMaps) loadMap(frame *trace.Frame) {
	if !strings.HasSuffix(frame.Filename, ".c") && !strings.HasSuffix(frame.Filename, ".cpp") {
		s.maps[frame.Filename] = nil
		return
	}
	contents, err := os.ReadFile(frame.Filename)
	if err != nil {
		logging.Infof("cython: failed to load %s: %v", frame.Filename, err)
		s.maps[frame.Filename] = nil
		return
	}
	s.maps[frame.Filename] = newSourceMap(string(contents), frame.Filename, frame.Module)
}

// markerRe matches the source markers Cython writes into generated C:
//
//	/* "implicit/_als.pyx":143
var markerRe = regexp.MustCompile(`^\s*/\* "(.+\..+)":([0-9]+)`)

type sourceMap struct {
	// lines holds the generated-C line of each marker, ascending.
	lines []uint32
	// targets holds the (.pyx file, line) each marker points to; the
	// final sentinel entry has an empty file and marks EOF.
	targets []target
}

type target struct {
	file string
	line uint32
}

func newSourceMap(contents, cFilename, module string) *sourceMap {
	m := &sourceMap{}
	resolved := make(map[string]string)

	var lineCount uint32
	for lineno, line := range strings.Split(contents, "\n") {
		lineCount++
		captures := markerRe.FindStringSubmatch(line)
		if captures == nil {
			continue
		}
		cythonFile := captures[1]
		cythonLine, err := strconv.ParseUint(captures[2], 10, 32)
		if err != nil {
			continue
		}

		filename, ok := resolved[cythonFile]
		if !ok {
			filename = resolveCythonFile(cFilename, cythonFile, module)
			resolved[cythonFile] = filename
		}
		m.lines = append(m.lines, uint32(lineno))
		m.targets = append(m.targets, target{file: filename, line: uint32(cythonLine)})
	}

	m.lines = append(m.lines, lineCount+1)
	m.targets = append(m.targets, target{})
	return m
}

// lookup finds the marker governing a generated-C line.
func (m *sourceMap) lookup(lineno uint32) (string, uint32, bool) {
	idx := sort.Search(len(m.lines), func(i int) bool { return m.lines[i] >= lineno })
	if idx == 0 {
		return "", 0, false
	}
	t := m.targets[idx-1]
	if t.line == 0 {
		// the EOF sentinel
		return "", 0, false
	}
	return t.file, t.line, true
}

// resolveCythonFile locates the .pyx source named by a marker: next to
// the generated C file if it's still there, otherwise relative to the
// module.
func resolveCythonFile(cFilename, cythonFilename, module string) string {
	ext := filepath.Ext(cythonFilename)
	if ext != "" {
		candidate := strings.TrimSuffix(cFilename, filepath.Ext(cFilename)) + ext
		if strings.HasSuffix(candidate, cythonFilename) || filepath.Base(candidate) == filepath.Base(cythonFilename) {
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	if module != "" {
		if resolved, ok := ResolveFilename(cythonFilename, module); ok {
			return resolved
		}
	}
	return cythonFilename
}

// ResolveFilename makes a source path usable from the observer: the path
// as given if it exists, else the file looked up relative to the module
// it was compiled into.
func ResolveFilename(filename, module string) (string, bool) {
	if _, err := os.Stat(filename); err == nil {
		return filename, true
	}
	moduleDir := filepath.Dir(module)
	candidate := filepath.Join(moduleDir, filepath.Base(filename))
	if _, err := os.Stat(candidate); err == nil {
		return candidate, true
	}
	return "", false
}

// ignorableFrames are Cython call-shim functions that add noise without
// information.
var ignorableFrames = map[string]bool{
	"__Pyx_PyFunction_FastCallDict": true,
	"__Pyx_PyObject_CallOneArg":     true,
	"__Pyx_PyObject_Call":           true,
	"__pyx_FusedFunction_call":      true,
}

// IgnoreFrame reports whether a native function is Cython plumbing that
// should be dropped from traces.
func IgnoreFrame(name string) bool {
	return ignorableFrames[name]
}

// demanglePrefixes are the wrapper prefixes Cython puts on generated
// functions, longest first so fused variants strip completely.
var demanglePrefixes = []string{
	"__pyx_fuse_1_0__pyx_pw",
	"__pyx_fuse_0__pyx_f",
	"__pyx_fuse_1__pyx_f",
	"__pyx_pf",
	"__pyx_pw",
	"__pyx_f",
	"___pyx_f",
	"___pyx_pw",
}

// Demangle strips Cython's name mangling: the wrapper prefix, then the
// repeated _<len><segment> module/file/class qualifiers in front of the
// function name.
func Demangle(name string) string {
	current := ""
	found := false
	for _, prefix := range demanglePrefixes {
		if strings.HasPrefix(name, prefix) {
			current = name[len(prefix):]
			found = true
			break
		}
	}
	if !found {
		return name
	}

	next := current
	for {
		if !strings.HasPrefix(next, "_") {
			break
		}
		digitIndex := 1
		for digitIndex < len(next) && next[digitIndex] >= '0' && next[digitIndex] <= '9' {
			digitIndex++
		}
		if digitIndex == 1 {
			break
		}
		digits, err := strconv.Atoi(next[1:digitIndex])
		if err != nil {
			break
		}
		current = next[digitIndex:]
		if digits+digitIndex >= len(current) {
			break
		}
		next = next[digits+digitIndex:]
	}
	return current
}
