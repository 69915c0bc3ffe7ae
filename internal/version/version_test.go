package version

import "testing"

func TestGitCommit_NotEmpty(t *testing.T) {
	if GitCommit == "" {
		t.Fatal("GitCommit must never be empty")
	}
}
