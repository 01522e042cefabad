package topology

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// RailInfo is one discovered data-plane NIC: its sysfs identity and the
// NUMA node it is attached to, if any.
type RailInfo struct {
	Name      string
	SysFSPath string
	NUMANode  int // -1 if unknown
}

// DiscoverRails resolves each named rail's sysfs device path (e.g.
// "/sys/class/infiniband/mlx5_0/device") to its real PCIe ancestry and
// NUMA node. A rail whose path can't be resolved is skipped rather than
// failing the whole call, since one bad entry shouldn't block discovery
// for the others.
func DiscoverRails(railSysFSPaths map[string]string) []RailInfo {
	rails := make([]RailInfo, 0, len(railSysFSPaths))
	for name, path := range railSysFSPaths {
		real, err := filepath.EvalSymlinks(filepath.Join(sysRoot, path))
		if err != nil {
			continue
		}
		numa := -1
		if hints, herr := NewTopologyHints(strings.TrimPrefix(real, sysRoot)); herr == nil {
			for _, h := range hints {
				if h.NUMAs != "" {
					if n, perr := strconv.Atoi(firstOf(h.NUMAs)); perr == nil {
						numa = n
						break
					}
				}
			}
		}
		rails = append(rails, RailInfo{Name: name, SysFSPath: real, NUMANode: numa})
	}
	sort.Slice(rails, func(i, j int) bool { return rails[i].Name < rails[j].Name })
	return rails
}

func firstOf(csv string) string {
	if i := strings.IndexByte(csv, ','); i >= 0 {
		return csv[:i]
	}
	return csv
}

// pcieDistance is the sum of path-segment hops each of a and b are from
// their common PCIe ancestor; this is the distance rails are grouped to
// GPUs by.
func pcieDistance(a, b string) int {
	as := strings.Split(strings.Trim(a, "/"), "/")
	bs := strings.Split(strings.Trim(b, "/"), "/")
	common := 0
	for common < len(as) && common < len(bs) && as[common] == bs[common] {
		common++
	}
	return (len(as) - common) + (len(bs) - common)
}

// SelectRailsForMemory picks which rails a registration should land on:
// GPU-resident memory selects the rails nearest that GPU's sysfs device;
// host memory selects the rails on its NUMA node; if neither resolves
// (topology discovery failed, or no rail matched), every rail is
// returned so the caller round-robins across the full set.
func SelectRailsForMemory(rails []RailInfo, numaNode int, gpuSysFSPath string) []int {
	if len(rails) == 0 {
		return nil
	}
	if gpuSysFSPath != "" {
		real, err := filepath.EvalSymlinks(filepath.Join(sysRoot, gpuSysFSPath))
		if err == nil {
			best := -1
			var chosen []int
			for i, r := range rails {
				d := pcieDistance(r.SysFSPath, real)
				if best == -1 || d < best {
					best = d
					chosen = []int{i}
				} else if d == best {
					chosen = append(chosen, i)
				}
			}
			if len(chosen) > 0 {
				sort.Ints(chosen)
				return chosen
			}
		}
	}
	if numaNode >= 0 {
		var chosen []int
		for i, r := range rails {
			if r.NUMANode == numaNode {
				chosen = append(chosen, i)
			}
		}
		if len(chosen) > 0 {
			sort.Ints(chosen)
			return chosen
		}
	}
	all := make([]int, len(rails))
	for i := range rails {
		all[i] = i
	}
	return all
}
