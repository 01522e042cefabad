package topology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelectRailsForMemoryByNUMANode(t *testing.T) {
	rails := []RailInfo{
		{Name: "mlx5_0", SysFSPath: "/sys/devices/pci0000:00/0000:00:01.0", NUMANode: 0},
		{Name: "mlx5_1", SysFSPath: "/sys/devices/pci0000:00/0000:00:02.0", NUMANode: 1},
		{Name: "mlx5_2", SysFSPath: "/sys/devices/pci0000:00/0000:00:03.0", NUMANode: 0},
	}
	got := SelectRailsForMemory(rails, 0, "")
	require.Equal(t, []int{0, 2}, got)
}

func TestSelectRailsForMemoryFallsBackToAllRails(t *testing.T) {
	rails := []RailInfo{
		{Name: "mlx5_0", NUMANode: -1},
		{Name: "mlx5_1", NUMANode: -1},
	}
	got := SelectRailsForMemory(rails, -1, "")
	require.Equal(t, []int{0, 1}, got)
}

func TestPcieDistancePrefersCloserAncestor(t *testing.T) {
	near := pcieDistance(
		"/sys/devices/pci0000:00/0000:00:01.0/0000:01:00.0",
		"/sys/devices/pci0000:00/0000:00:01.0/0000:01:00.1",
	)
	far := pcieDistance(
		"/sys/devices/pci0000:00/0000:00:01.0/0000:01:00.0",
		"/sys/devices/pci0000:00/0000:00:02.0/0000:02:00.0",
	)
	require.Less(t, near, far)
}

func TestSelectRailsForMemoryByGPUDistance(t *testing.T) {
	dir := t.TempDir()
	gpuReal := filepath.Join(dir, "sys/devices/pci0000:00/0000:00:01.0/0000:01:00.1")
	require.NoError(t, os.MkdirAll(gpuReal, 0o755))
	SetSysRoot(dir)
	defer SetSysRoot("")

	rails := []RailInfo{
		{Name: "mlx5_0", SysFSPath: filepath.Join(dir, "sys/devices/pci0000:00/0000:00:01.0/0000:01:00.0")},
		{Name: "mlx5_1", SysFSPath: filepath.Join(dir, "sys/devices/pci0000:00/0000:00:02.0/0000:02:00.0")},
	}

	got := SelectRailsForMemory(rails, -1, "/sys/devices/pci0000:00/0000:00:01.0/0000:01:00.1")
	require.Equal(t, []int{0}, got)
}

func TestDiscoverRailsSkipsUnresolvablePaths(t *testing.T) {
	got := DiscoverRails(map[string]string{
		"mlx5_0": "/sys/class/infiniband/mlx5_0/device/does/not/exist",
	})
	require.Empty(t, got)
}
