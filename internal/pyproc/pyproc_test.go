package pyproc

import (
	"runtime"
	"testing"
)

func TestIsPythonLib(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Run("windows dlls", func(t *testing.T) {
			if !IsPythonLib(`C:\Users\test\AppData\Local\Programs\Python\Python37\python37.dll`) {
				t.Error("should match python37.dll")
			}
			// .NET hosts load the DLL with an uppercase extension
			if !IsPythonLib(`C:\Python37\python37.DLL`) {
				t.Error("should match case-insensitively")
			}
		})
		return
	}

	t.Run("matches", func(t *testing.T) {
		cases := []string{
			// libpython bundled by pyinstaller
			"/tmp/_MEIOqzg01/libpython2.7.so.1.0",
			"./libpython2.7.so",
			// debug (d), pymalloc (m) and wide-unicode (u) builds
			"/usr/lib/libpython3.4d.so",
			"/usr/local/lib/libpython3.8m.so",
			"/usr/lib/libpython2.7u.so",
			// two-digit minor versions
			"/usr/lib/x86_64-linux-gnu/libpython3.11.so.1.0",
		}
		for _, path := range cases {
			if !IsPythonLib(path) {
				t.Errorf("IsPythonLib(%q) = false, want true", path)
			}
		}
	})

	t.Run("rejects lookalikes", func(t *testing.T) {
		cases := []string{
			// don't blindly match libraries with python in the name
			"/usr/lib/libboost_python.so",
			"/usr/lib/x86_64-linux-gnu/libboost_python-py27.so.1.58.0",
			"/usr/lib/libboost_python-py35.so",
		}
		for _, path := range cases {
			if IsPythonLib(path) {
				t.Errorf("IsPythonLib(%q) = true, want false", path)
			}
		}
	})
}

func TestIsPythonFramework(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		// homebrew
		{"/usr/local/Cellar/python@2/2.7.15_1/Frameworks/Python.framework/Versions/2.7/Python", true},
		{"/usr/local/Cellar/python@2/2.7.15_1/Frameworks/Python.framework/Versions/2.7/Resources/Python.app/Contents/MacOS/Python", false},
		// system python
		{"/System/Library/Frameworks/Python.framework/Versions/2.7/Python", true},
		// pyenv with --enable-framework
		{"/Users/dev/.pyenv/versions/3.6.6/Python.framework/Versions/3.6/Python", true},
		// single file pyinstaller
		{"/private/var/folders/3x/T/_MEI2Akvi8/Python", true},
	}
	for _, tc := range cases {
		if got := IsPythonFramework(tc.path); got != tc.want {
			t.Errorf("IsPythonFramework(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestInstallPath(t *testing.T) {
	cases := []struct {
		exe  string
		want string
	}{
		{"/usr/bin/python3.11", "/usr"},
		{"/opt/python/3.11.2/bin/python3", "/opt/python/3.11.2"},
		{"/home/dev/venv/bin/python", "/home/dev/venv"},
	}
	for _, tc := range cases {
		info := &ProcessInfo{PythonFilename: tc.exe}
		if got := info.InstallPath(); got != tc.want {
			t.Errorf("InstallPath(%q) = %q, want %q", tc.exe, got, tc.want)
		}
	}
}
