package rule

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGroupAt(t *testing.T) {
	conf := &Conf{
		Groups: []Group{
			{ID: 1, OrderIndex: 0, Name: "Main", Enabled: true},
			{ID: 2, OrderIndex: 1, Name: "Games", Enabled: false},
		},
	}

	g, ok := conf.GroupAt(1)
	assert.True(t, ok)
	assert.Equal(t, "Games", g.Name)

	_, ok = conf.GroupAt(2)
	assert.False(t, ok)

	_, ok = conf.GroupAt(-1)
	assert.False(t, ok)
}

func TestOptionFlags(t *testing.T) {
	conf := &Conf{FilterEnabled: true, LogStat: true}
	assert.Equal(t, uint32(0b1001), conf.OptionFlags())

	conf = &Conf{}
	assert.Zero(t, conf.OptionFlags())
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trims whitespace", "  /usr/bin/curl \n", "/usr/bin/curl"},
		{"collapses dots", "/usr/bin/../bin/curl", "/usr/bin/curl"},
		{"backslashes", `C:\Program Files\app.exe`, "C:/Program Files/app.exe"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePath(tt.in))
		})
	}
}

func TestIsLocalFilePath(t *testing.T) {
	assert.True(t, IsLocalFilePath("/usr/bin/curl"))
	assert.True(t, IsLocalFilePath("C:/Windows/notepad.exe"))
	assert.False(t, IsLocalFilePath("/opt/*/bin/app"))
	assert.False(t, IsLocalFilePath("/a\n/b"))
	assert.False(t, IsLocalFilePath("relative/path"))
	assert.False(t, IsLocalFilePath(""))
}
