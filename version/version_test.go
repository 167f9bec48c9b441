package version

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBuildInfo(t *testing.T) {
	info := GetBuildInfo()
	require.NotNil(t, info)
	assert.NotEmpty(t, info.GoVersion)
	assert.NotEmpty(t, info.MainVersion)

	sorted := sort.SliceIsSorted(info.Dependencies, func(i, j int) bool {
		return info.Dependencies[i].Path < info.Dependencies[j].Path
	})
	assert.True(t, sorted)
}

func TestGetDependencyUnknownModule(t *testing.T) {
	assert.Nil(t, GetDependency("example.com/does/not/exist"))
}
