package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func withBuild(t *testing.T, v, commit, date string) {
	t.Helper()
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = v, commit, date
	t.Cleanup(func() {
		Version, Commit, Date = origVersion, origCommit, origDate
	})
}

func TestGetInfo(t *testing.T) {
	withBuild(t, "1.0.0", "abc123def456", "2026-01-01T12:00:00Z")

	info := GetInfo()
	assert.Equal(t, "1.0.0", info.Version)
	assert.Equal(t, "abc123def456", info.Commit)
	assert.Equal(t, "2026-01-01T12:00:00Z", info.Date)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}

func TestInfoString(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want []string
	}{
		{
			name: "long commit is shortened",
			info: Info{Version: "1.2.3", Commit: "abcdef1234567890", Date: "today", GoVersion: "go1.24", Platform: "linux/amd64"},
			want: []string{"portal 1.2.3", "(abcdef12)", "built today", "go1.24", "linux/amd64"},
		},
		{
			name: "short commit kept",
			info: Info{Version: "dev", Commit: "abc", Date: "unknown", GoVersion: "go1.24", Platform: "darwin/arm64"},
			want: []string{"portal dev", "(abc)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.info.String()
			for _, want := range tt.want {
				assert.Contains(t, s, want)
			}
		})
	}
}

func TestUserAgent(t *testing.T) {
	info := Info{Version: "0.4.0", Commit: "0123456789", Platform: "linux/arm64"}
	assert.Equal(t, "portalsync/0.4.0 (01234567; linux/arm64)", info.UserAgent())
}
