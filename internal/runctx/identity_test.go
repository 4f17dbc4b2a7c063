package runctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComparableRequiresMatchingHardwareAndCompiler(t *testing.T) {
	base := RunIdentity{Host: "h1", CPUModel: "Xeon E5", CoreCount: 16, OSRelease: "6.1", CompilerVer: "gcc-12"}

	same := base
	same.Host = "h2"
	same.OSRelease = "6.2"
	assert.True(t, base.Comparable(same), "runs differing only in host/OS release should be comparable")

	differentCPU := base
	differentCPU.CPUModel = "Xeon E7"
	assert.False(t, base.Comparable(differentCPU))

	differentCores := base
	differentCores.CoreCount = 32
	assert.False(t, base.Comparable(differentCores))

	differentCompiler := base
	differentCompiler.CompilerVer = "gcc-13"
	assert.False(t, base.Comparable(differentCompiler))
}

func TestIdentitySidecarRoundTrip(t *testing.T) {
	dir := t.TempDir()
	id := RunIdentity{Host: "h1", CPUModel: "Xeon E5", CoreCount: 16, OSRelease: "6.1", CompilerVer: "gcc-12"}
	require.NoError(t, WriteIdentity(dir, id))

	got, err := ReadIdentity(dir)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = ReadIdentity(t.TempDir())
	require.Error(t, err)
}

func TestCollectIdentityHasCoreCount(t *testing.T) {
	id := CollectIdentity()
	assert.Greater(t, id.CoreCount, 0)
}
