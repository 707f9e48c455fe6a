package passphrase

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSourcePrefersEnvironment(t *testing.T) {
	t.Setenv("GPUNODE_TEST_PASSPHRASE", "hunter2")
	src := NewSource("GPUNODE_TEST_PASSPHRASE")
	got, err := src.Get()
	require.NoError(t, err)
	require.Equal(t, "hunter2", got)

	t.Setenv("GPUNODE_TEST_PASSPHRASE", "changed")
	again, err := src.Get()
	require.NoError(t, err)
	require.Equal(t, "hunter2", again, "value is cached after first resolution")
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("GPUNODE_TEST_PASSPHRASE", "   ")
	_, err := NewSource("GPUNODE_TEST_PASSPHRASE").Get()
	require.Error(t, err)
}
