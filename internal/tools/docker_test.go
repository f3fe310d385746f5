package tools

import (
	"path/filepath"
	"testing"
)

func TestNewDockerSandbox_Defaults(t *testing.T) {
	sandbox, err := NewDockerSandbox("", 0, "", func() string { return "" })
	if err != nil {
		t.Skip("docker client init failed:", err)
	}
	defer sandbox.Close()

	if sandbox.image != "node:22-bookworm" {
		t.Errorf("image = %s", sandbox.image)
	}
	if sandbox.memoryBytes != 1024*1024*1024 {
		t.Errorf("memory = %d bytes", sandbox.memoryBytes)
	}
	if sandbox.networkMode != "bridge" {
		t.Errorf("network = %s", sandbox.networkMode)
	}
}

func TestDockerSandbox_Mapping(t *testing.T) {
	root := t.TempDir()
	d := &DockerSandbox{root: func() string { return root }}

	tests := []struct {
		workDir   string
		wantInner string
		wantErr   bool
	}{
		{"", "/workspace", false},
		{root, "/workspace", false},
		{filepath.Join(root, "src", "app"), "/workspace/src/app", false},
		{filepath.Dir(root), "", true},
	}
	for _, tt := range tests {
		mount, inner, err := d.mapping(tt.workDir)
		if tt.wantErr {
			if err == nil {
				t.Errorf("mapping(%q) expected error", tt.workDir)
			}
			continue
		}
		if err != nil || mount != root || inner != tt.wantInner {
			t.Errorf("mapping(%q) = %q, %q, %v", tt.workDir, mount, inner, err)
		}
	}

	// Without a project the working directory itself is mounted.
	parent := t.TempDir()
	d = &DockerSandbox{root: func() string { return "" }}
	mount, inner, err := d.mapping(parent)
	if err != nil || mount != parent || inner != "/workspace" {
		t.Fatalf("mapping without root = %q, %q, %v", mount, inner, err)
	}
}
