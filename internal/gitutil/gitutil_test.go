package gitutil

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v: %s", args, out)
}

func newOriginRepo(t *testing.T) (dir string, commits []string) {
	t.Helper()
	dir = t.TempDir()
	runGit(t, dir, "init", "-q", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "test")

	for i := 0; i < 2; i++ {
		path := filepath.Join(dir, "file.txt")
		require.NoError(t, os.WriteFile(path, []byte{byte('a' + i)}, 0o644))
		runGit(t, dir, "add", ".")
		runGit(t, dir, "commit", "-q", "-m", "commit")
	}

	out := exec.Command("git", "-C", dir, "log", "--format=%H")
	b, err := out.Output()
	require.NoError(t, err)
	lines := splitLines(string(b))
	return dir, lines
}

func splitLines(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == '\n' {
			if cur != "" {
				out = append(out, cur)
			}
			cur = ""
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

func TestCloneAndCheckout(t *testing.T) {
	origin, commits := newOriginRepo(t)
	require.Len(t, commits, 2)

	cloneDir := filepath.Join(t.TempDir(), "clone")
	ctx := context.Background()
	repo, err := Clone(ctx, origin, cloneDir)
	require.NoError(t, err)

	current, err := repo.CurrentCommit(ctx)
	require.NoError(t, err)
	require.Equal(t, commits[0], current)

	// commits[1] is the older (first) commit.
	require.NoError(t, repo.Checkout(ctx, commits[1]))
	current, err = repo.CurrentCommit(ctx)
	require.NoError(t, err)
	require.Equal(t, commits[1], current)

	require.True(t, repo.IsAncestor(ctx, commits[1], commits[0]))
}
