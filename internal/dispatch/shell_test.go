package dispatch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateShellCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		wantErr string
	}{
		{"pm list", "pm list packages", ""},
		{"am force-stop", "am force-stop com.example.app", ""},
		{"settings get", "settings get global airplane_mode_on", ""},
		{"dumpsys battery", "dumpsys battery", ""},
		{"getprop", "getprop ro.build.version.release", ""},
		{"svc wifi", "svc wifi enable", ""},
		{"input keyevent", "input keyevent 26", ""},
		{"cmd package", "cmd package list packages -e", ""},
		{"leading whitespace tolerated", "  pm clear com.example.app  ", ""},

		{"empty", "", "empty"},
		{"whitespace only", "   ", "empty"},
		{"unlisted binary", "rm -rf /sdcard", `binary "rm"`},
		{"su escalation", "su -c id", `binary "su"`},
		{"chained with semicolon", "pm list packages; reboot", "metacharacter"},
		{"piped", "dumpsys meminfo | grep TOTAL", "metacharacter"},
		{"backgrounded", "am start -n a/.B &", "metacharacter"},
		{"command substitution", "getprop $(cat /proc/version)", "metacharacter"},
		{"backticks", "settings get secure `id`", "metacharacter"},
		{"redirect out", "dumpsys battery > /sdcard/out", "metacharacter"},
		{"redirect in", "pm install < /sdcard/app.apk", "metacharacter"},
		{"newline injection", "pm list\nreboot", "metacharacter"},
		{"backslash escape", `pm list \package`, "metacharacter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateShellCommand(tt.command)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidateShellCommandLength(t *testing.T) {
	ok := "settings put global " + strings.Repeat("x", maxShellCommandLen-21)
	assert.NoError(t, ValidateShellCommand(ok))

	long := "settings put global " + strings.Repeat("x", maxShellCommandLen)
	err := ValidateShellCommand(long)
	require.Error(t, err)
	assert.ErrorContains(t, err, "exceeds")
}
