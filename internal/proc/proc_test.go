//go:build linux

package proc

import (
	"strings"
	"testing"
)

func TestParseMaps(t *testing.T) {
	input := strings.Join([]string{
		"55d0a3a3c000-55d0a3a60000 r--p 00000000 fd:01 190211 /usr/bin/python3.11",
		"55d0a3a60000-55d0a3c0c000 r-xp 00024000 fd:01 190211 /usr/bin/python3.11",
		"7f1df0a00000-7f1df0a21000 rw-p 00000000 00:00 0 ",
		"7ffc81dd1000-7ffc81dd3000 r-xp 00000000 00:00 0 [vdso]",
	}, "\n")

	maps, err := parseMaps(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parseMaps failed: %v", err)
	}
	if len(maps) != 4 {
		t.Fatalf("got %d entries, want 4", len(maps))
	}

	exe := maps[1]
	if exe.Start != 0x55d0a3a60000 || exe.End != 0x55d0a3c0c000 {
		t.Errorf("range = %x-%x", exe.Start, exe.End)
	}
	if !exe.Read || exe.Write || !exe.Exec {
		t.Errorf("perms = r=%v w=%v x=%v, want r-x", exe.Read, exe.Write, exe.Exec)
	}
	if exe.Filename != "/usr/bin/python3.11" {
		t.Errorf("filename = %q", exe.Filename)
	}

	if maps[2].Filename != "" {
		t.Errorf("anonymous map filename = %q, want empty", maps[2].Filename)
	}
	if maps[3].Filename != "[vdso]" {
		t.Errorf("vdso filename = %q", maps[3].Filename)
	}
}

func TestMapsContainsAddr(t *testing.T) {
	maps := Maps{
		{Start: 0x1000, End: 0x2000},
		{Start: 0x4000, End: 0x5000},
	}

	cases := []struct {
		addr uint64
		want bool
	}{
		{0x0fff, false},
		{0x1000, true},
		{0x1fff, true},
		{0x2000, false},
		{0x4500, true},
		{0x5000, false},
	}
	for _, tc := range cases {
		if got := maps.ContainsAddr(tc.addr); got != tc.want {
			t.Errorf("ContainsAddr(%#x) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestGatherChildren(t *testing.T) {
	parents := map[Pid][]ChildProcess{
		1: {{Pid: 2, ParentPid: 1}, {Pid: 3, ParentPid: 1}},
		2: {{Pid: 4, ParentPid: 2}},
	}

	result := gatherChildren(1, parents)
	pids := make(map[Pid]bool)
	for _, c := range result {
		pids[c.Pid] = true
	}
	for _, want := range []Pid{1, 2, 3, 4} {
		if !pids[want] {
			t.Errorf("missing pid %d in %v", want, result)
		}
	}
	if len(result) != 4 {
		t.Errorf("got %d entries, want 4", len(result))
	}
}

func TestStatusFilePpid(t *testing.T) {
	status := "Name:\tkthreadd\nState:\tS (sleeping)\nTgid:\t2\nNgid:\t0\nPid:\t0\nPPid:\t1234\n"
	ppid, ok := statusFilePpid(status)
	if !ok {
		t.Fatal("failed to parse PPid")
	}
	if ppid != 1234 {
		t.Errorf("ppid = %d, want 1234", ppid)
	}

	if _, ok := statusFilePpid("Name:\tnothing\n"); ok {
		t.Error("expected parse failure for status without PPid")
	}
}
