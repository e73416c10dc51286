package selector

import (
	"reflect"
	"testing"

	"github.com/agent462/fleetrun/internal/executor"
)

func fleet() []executor.Host {
	return []executor.Host{
		{Name: "build1-a", Hostname: "build1-a"},
		{Name: "build2-a", Hostname: "build2-a"},
		{Name: "admin@build3-a", Hostname: "build3-a"},
		{Name: "mac-mini-1", Hostname: "10.0.0.7"},
		{Name: "win7-compile1", Hostname: "win7-compile1"},
	}
}

func TestFilter(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		want     []string
	}{
		{"no patterns", nil, []string{"build1-a", "build2-a", "admin@build3-a", "mac-mini-1", "win7-compile1"}},
		{"prefix glob", []string{"build*"}, []string{"build1-a", "build2-a", "admin@build3-a"}},
		{"matches hostname", []string{"10.0.0.*"}, []string{"mac-mini-1"}},
		{"union keeps host order", []string{"win7-*", "build1-*"}, []string{"build1-a", "win7-compile1"}},
		{"exclude only", []string{"!build*"}, []string{"mac-mini-1", "win7-compile1"}},
		{"include and exclude", []string{"build*", "!build2-a"}, []string{"build1-a", "admin@build3-a"}},
		{"character class", []string{"build[13]-a"}, []string{"build1-a", "admin@build3-a"}},
		{"no match", []string{"linux-*"}, []string{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Filter(fleet(), tc.patterns)
			if err != nil {
				t.Fatalf("Filter: %v", err)
			}
			names := executor.Names(got)
			if names == nil {
				names = []string{}
			}
			if !reflect.DeepEqual(names, tc.want) {
				t.Errorf("Filter(%v) = %v, want %v", tc.patterns, names, tc.want)
			}
		})
	}
}

func TestFilterInvalidPattern(t *testing.T) {
	if _, err := Filter(fleet(), []string{"build[1"}); err == nil {
		t.Error("expected error for malformed pattern")
	}
	if _, err := Filter(fleet(), []string{"![x"}); err == nil {
		t.Error("expected error for malformed exclude pattern")
	}
}

func TestParse(t *testing.T) {
	got, err := Parse(" build* , !build2-a ,, ")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"build*", "!build2-a"}) {
		t.Errorf("Parse = %v", got)
	}

	if _, err := Parse("ok,[bad"); err == nil {
		t.Error("expected error for malformed pattern")
	}

	got, err = Parse("")
	if err != nil || len(got) != 0 {
		t.Errorf("Parse(\"\") = %v, %v", got, err)
	}
}
