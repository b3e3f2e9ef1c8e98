package proot

import (
	"testing"

	"github.com/joshrwolf/atoms/internal/isolation"
	"github.com/stretchr/testify/assert"
)

func TestCommand(t *testing.T) {
	tests := []struct {
		name    string
		command []string
		binds   []isolation.Bind
		want    []string
	}{
		{
			name: "no command no binds",
			want: []string{"proot", "--kill-on-exit", "-R", "/a/chroot", "-w", "/root"},
		},
		{
			name:    "command with binds",
			command: []string{"ls", "-la"},
			binds: []isolation.Bind{
				{Host: "/usr/share/themes", Guest: "/usr/share/themes"},
				{Host: "/home/me/src", Guest: "/src"},
			},
			want: []string{
				"proot", "--kill-on-exit", "-R", "/a/chroot", "-w", "/root",
				"-b", "/usr/share/themes",
				"-b", "/home/me/src:/src",
				"ls", "-la",
			},
		},
	}

	p := New("")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Command("/a/chroot", tt.command, tt.binds))
		})
	}
}

func TestCommand_CustomBinary(t *testing.T) {
	p := New("/opt/proot/bin/proot")
	got := p.Command("/r", []string{"true"}, nil)
	assert.Equal(t, "/opt/proot/bin/proot", got[0])
	assert.Equal(t, "true", got[len(got)-1])
}
