package executor

import (
	"errors"
	"strings"
	"testing"
)

func TestCommandString(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{"plain", Command{"python", "/b/build/force_update_checkout.py"}, "python /b/build/force_update_checkout.py"},
		{"spaces", Command{"echo", "hello world"}, "echo 'hello world'"},
		{"single quote", Command{"echo", "it's"}, `echo 'it'\''s'`},
		{"empty arg", Command{"printf", ""}, "printf ''"},
		{"metachars", Command{"sh", "-c", "ls | wc -l"}, "sh -c 'ls | wc -l'"},
		{"safe punctuation", Command{"git", "fetch", "origin", "+refs/heads/main:refs/remotes/origin/main"}, "git fetch origin +refs/heads/main:refs/remotes/origin/main"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cmd.String(); got != tc.want {
				t.Errorf("String() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCommandValid(t *testing.T) {
	if (Command{}).Valid() {
		t.Error("empty command should be invalid")
	}
	if (Command{" "}).Valid() {
		t.Error("blank program should be invalid")
	}
	if !(Command{"uptime"}).Valid() {
		t.Error("uptime should be valid")
	}
}

func TestDedup(t *testing.T) {
	hosts := []Host{{Name: "b"}, {Name: "a"}, {Name: "b", Port: 2222}, {Name: "c"}, {Name: "a"}}
	got := Names(Dedup(hosts))
	if strings.Join(got, ",") != "b,a,c" {
		t.Errorf("Dedup = %v, want [b a c]", got)
	}
	if Dedup(hosts)[0].Port != 0 {
		t.Error("first occurrence should win")
	}
	if len(Dedup(nil)) != 0 {
		t.Error("Dedup(nil) should be empty")
	}
}

func TestHostAddress(t *testing.T) {
	if got := (Host{Name: "admin@build1", Hostname: "build1"}).Address(); got != "build1" {
		t.Errorf("Address() = %q, want build1", got)
	}
	if got := (Host{Name: "build2"}).Address(); got != "build2" {
		t.Errorf("Address() = %q, want build2", got)
	}
}

func TestMarkUnreachable(t *testing.T) {
	r := &HostResult{Host: "h", Stderr: []byte("partial line"), ExitCode: 0}
	r.markUnreachable(errors.New("connection reset"))

	if r.ExitCode != ExitUnreachable {
		t.Errorf("ExitCode = %d, want %d", r.ExitCode, ExitUnreachable)
	}
	want := "partial line\nfleetrun: connection reset\n"
	if string(r.Stderr) != want {
		t.Errorf("Stderr = %q, want %q", r.Stderr, want)
	}
	if !r.Failed() {
		t.Error("Failed() should be true")
	}
}

func TestNewResults(t *testing.T) {
	r := NewResults(
		&HostResult{Host: "a"},
		nil,
		&HostResult{Host: "b", ExitCode: 1},
		&HostResult{Host: "a", ExitCode: 9},
	)
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
	a, ok := r.Get("a")
	if !ok || a.ExitCode != 0 {
		t.Errorf("Get(a) = %+v, %v; first result should win", a, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) should report false")
	}
}
