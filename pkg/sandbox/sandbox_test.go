package sandbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildOCISpec(t *testing.T) {
	oci, err := BuildOCISpec(RunSpec{
		RunID:      "r1",
		Command:    []string{"python3", "main.py"},
		Env:        map[string]string{"TASKFORGE_RUN_ID": "r1"},
		ProjectDir: "/var/lib/taskforge/projects/p1",
		Hostname:   "run-r1",
		Limits:     Limits{CPUMillis: 500, MemoryBytes: 256 << 20, PidsMax: 64},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"python3", "main.py"}, oci.Process.Args)
	assert.Equal(t, "/workspace", oci.Process.Cwd)
	assert.Contains(t, oci.Process.Env, "TASKFORGE_RUN_ID=r1")
	assert.Equal(t, "run-r1", oci.Hostname)

	// Project tree is bind-mounted read-only at the working directory.
	var projectMount *specs.Mount
	for i := range oci.Mounts {
		if oci.Mounts[i].Destination == "/workspace" {
			projectMount = &oci.Mounts[i]
		}
	}
	require.NotNil(t, projectMount)
	assert.Equal(t, "bind", projectMount.Type)
	assert.Contains(t, projectMount.Options, "ro")

	require.NotNil(t, oci.Linux)
	require.NotNil(t, oci.Linux.Resources.Memory)
	assert.Equal(t, int64(256<<20), *oci.Linux.Resources.Memory.Limit)
	require.NotNil(t, oci.Linux.Resources.CPU)
	assert.Equal(t, int64(50_000), *oci.Linux.Resources.CPU.Quota)
	assert.Equal(t, int64(64), oci.Linux.Resources.Pids.Limit)
}

func TestBuildOCISpecEmptyCommand(t *testing.T) {
	_, err := BuildOCISpec(RunSpec{RunID: "r1"})
	require.Error(t, err)
}

func TestBuildOCISpecNoLimits(t *testing.T) {
	oci, err := BuildOCISpec(RunSpec{RunID: "r1", Command: []string{"true"}})
	require.NoError(t, err)
	assert.Nil(t, oci.Linux)
}

func TestWriteBundle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bundle")
	err := WriteBundle(dir, RunSpec{RunID: "r1", Command: []string{"python3", "-c", "pass"}})
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "rootfs"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	var oci specs.Spec
	require.NoError(t, json.Unmarshal(raw, &oci))
	assert.Equal(t, specs.Version, oci.Version)
	assert.Equal(t, []string{"python3", "-c", "pass"}, oci.Process.Args)
}
