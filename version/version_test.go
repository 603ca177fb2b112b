package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetHumanVersion(t *testing.T) {
	orig := GitCommit
	GitCommit = "abc123"
	t.Cleanup(func() { GitCommit = orig })

	v := GetHumanVersion()
	require.Contains(t, v, Version)
	require.Contains(t, v, VersionPrerelease)
	require.Contains(t, v, "abc123")
}
