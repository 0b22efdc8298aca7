package main

import "testing"

func TestResolveShardPath(t *testing.T) {
	cases := []struct {
		name       string
		projectDir string
		path       string
		want       string
	}{
		{"relative anchors at project dir", "/work/project", "shards.yaml", "/work/project/shards.yaml"},
		{"nested relative", "/work/project", "plans/shards.yaml", "/work/project/plans/shards.yaml"},
		{"absolute untouched", "/work/project", "/elsewhere/shards.yaml", "/elsewhere/shards.yaml"},
		{"empty untouched", "/work/project", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := resolveShardPath(tc.projectDir, tc.path); got != tc.want {
				t.Errorf("resolveShardPath(%q, %q) = %q, want %q", tc.projectDir, tc.path, got, tc.want)
			}
		})
	}
}
