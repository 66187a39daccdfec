package dmtask

import (
	"strings"
	"testing"
)

func TestTargetLine(t *testing.T) {
	tests := []struct {
		name     string
		target   Target
		expected string
	}{
		{
			name:     "linear",
			target:   Target{Start: 0, Length: 81920, Type: "linear", Params: "/dev/sda 384"},
			expected: "0 81920 linear /dev/sda 384",
		},
		{
			name:     "striped",
			target:   Target{Start: 0, Length: 32768, Type: "striped", Params: "2 128 /dev/sda 384 /dev/sdb 384"},
			expected: "0 32768 striped 2 128 /dev/sda 384 /dev/sdb 384",
		},
		{
			name:     "error target has no params",
			target:   Target{Start: 0, Length: 8192, Type: "error"},
			expected: "0 8192 error",
		},
		{
			name:     "snapshot",
			target:   Target{Start: 0, Length: 81920, Type: "snapshot", Params: "/dev/mapper/vg0-lvol0-real /dev/mapper/vg0-snap0-cow P 8"},
			expected: "0 81920 snapshot /dev/mapper/vg0-lvol0-real /dev/mapper/vg0-snap0-cow P 8",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.target.Line(); got != tc.expected {
				t.Errorf("Line() = %q, want %q", got, tc.expected)
			}
		})
	}
}

func TestAddTargetRejectsOversizedParams(t *testing.T) {
	task := &dmsetupTask{name: "vg0-lvol0"}

	if err := task.AddTarget(Target{Type: "linear", Params: strings.Repeat("x", MaxParams)}); err != nil {
		t.Errorf("AddTarget rejected params at the budget: %v", err)
	}

	err := task.AddTarget(Target{Type: "linear", Params: strings.Repeat("x", MaxParams+1)})
	if err == nil {
		t.Fatal("AddTarget accepted params over the budget")
	}
	if !IsTableTooLarge(err) {
		t.Errorf("error is %T, want *TableTooLargeError", err)
	}
}

func TestParseInfo(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		expected Info
	}{
		{
			name: "live device",
			line: "L--w 1 1 253 3",
			expected: Info{
				Exists: true, OpenCount: 1, TargetCount: 1, Major: 253, Minor: 3,
			},
		},
		{
			name: "suspended device",
			line: "LIsw 0 2 253 7",
			expected: Info{
				Exists: true, Suspended: true, OpenCount: 0, TargetCount: 2,
				Major: 253, Minor: 7,
			},
		},
		{
			name: "read-only device",
			line: "L--r 2 1 253 0",
			expected: Info{
				Exists: true, ReadOnly: true, OpenCount: 2, TargetCount: 1, Major: 253,
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseInfo(tc.line)
			if err != nil {
				t.Fatalf("parseInfo(%q) failed: %v", tc.line, err)
			}
			if *got != tc.expected {
				t.Errorf("parseInfo(%q) = %+v, want %+v", tc.line, *got, tc.expected)
			}
		})
	}
}

func TestParseInfoRejectsGarbage(t *testing.T) {
	if _, err := parseInfo("nonsense"); err == nil {
		t.Error("parseInfo accepted a malformed line")
	}
}

func TestTaskTable(t *testing.T) {
	task := &dmsetupTask{name: "vg0-lvol0"}
	if err := task.AddTarget(Target{Start: 0, Length: 10, Type: "linear", Params: "/dev/sda 0"}); err != nil {
		t.Fatal(err)
	}
	if err := task.AddTarget(Target{Start: 10, Length: 10, Type: "error"}); err != nil {
		t.Fatal(err)
	}

	want := "0 10 linear /dev/sda 0\n10 10 error\n"
	if got := string(task.table()); got != want {
		t.Errorf("table() = %q, want %q", got, want)
	}
}

func TestInfoBeforeRun(t *testing.T) {
	task := &dmsetupTask{name: "vg0-lvol0", op: TaskInfo}
	if _, err := task.Info(); err == nil {
		t.Error("Info() before Run returned no error")
	}
}
