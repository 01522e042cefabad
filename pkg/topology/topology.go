// Copyright 2019 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package topology discovers NIC-to-NUMA and NIC-to-GPU affinity from
// sysfs, for rail selection: given a memory registration's NUMA node or
// owning GPU, which rails sit closest to it.
package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// to mock in tests
var (
	sysRoot        = ""
	log     Logger = &nopLogger{}
)

// Hint represents whatever affinity sysfs exposes for one device: the
// CPUs, NUMA node, or (as a fallback when the kernel only reports a
// socket id in the numa_node file) socket it is local to.
type Hint struct {
	Provider string
	CPUs     string
	NUMAs    string
	Sockets  string
}

// Hints maps a sysfs device path to the Hint discovered for it.
type Hints map[string]Hint

// Logger is the interface an optional externally set logger must satisfy.
type Logger interface {
	Debugf(format string, v ...interface{})
}

// SetSysRoot sets the sysfs root directory to use; empty restores "/".
// Exists so tests can point discovery at a constructed fixture tree.
func SetSysRoot(root string) {
	if root == "" {
		sysRoot = ""
		return
	}
	clean := filepath.Clean(root)
	if !filepath.IsAbs(clean) {
		abs, err := filepath.Abs(clean)
		if err != nil {
			panic(fmt.Errorf("topology: resolve sysroot %q: %w", root, err))
		}
		clean = abs
	}
	if clean == "/" {
		clean = ""
	}
	sysRoot = clean
}

// SetLogger sets the external logger used for debug logging, returning the
// previous one.
func SetLogger(l Logger) Logger {
	old := log
	log = l
	return old
}

// ResetLogger resets any externally set logger.
func ResetLogger() {
	log = &nopLogger{}
}

// sysfsHintField maps the sysfs attribute names that carry affinity
// information to the Hint field each fills in. Several names exist because
// different device classes (NUMA node directories, PCI bridges, cpu cache
// index directories) expose the same information under different
// attribute names.
var sysfsHintField = map[string]func(*Hint) *string{
	"cpulist":         func(h *Hint) *string { return &h.CPUs },
	"cpulistaffinity": func(h *Hint) *string { return &h.CPUs },
	"local_cpulist":   func(h *Hint) *string { return &h.CPUs },
	"shared_cpu_list": func(h *Hint) *string { return &h.CPUs },
	"numa_node":       func(h *Hint) *string { return &h.NUMAs },
}

// hintAtPath reads whichever of sysfsHintField exist directly under
// sysFSPath and, if the kernel only reported a NUMA node with no CPU list
// alongside it, walks up to the parent device for a CPU list to pair with
// it (or, failing that, demotes the NUMA value to a socket hint — some
// BIOSes report a socket id in numa_node on non-NUMA hardware).
func hintAtPath(sysFSPath string) (*Hint, error) {
	displayPath := sysFSPath
	if sysRoot != "" {
		rel, err := filepath.Rel(sysRoot, sysFSPath)
		if err != nil {
			return nil, fmt.Errorf("topology: internal error: %w", err)
		}
		displayPath = filepath.Join("/", rel)
	}

	hint := Hint{Provider: displayPath}
	for name, field := range sysfsHintField {
		b, err := os.ReadFile(filepath.Join(sysFSPath, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("topology: read %s/%s: %w", sysFSPath, name, err)
		}
		*field(&hint) = strings.TrimSpace(string(b))
	}

	if hint.NUMAs == "-1" {
		hint.NUMAs = ""
	}
	if hint.NUMAs != "" && hint.CPUs == "" {
		hint.CPUs, hint.NUMAs = resolveFromParent(filepath.Dir(sysFSPath), hint.NUMAs)
	}

	if hint.CPUs != "" || hint.NUMAs != "" || hint.Sockets != "" {
		log.Debugf("topology: %s", hint.String())
	}
	return &hint, nil
}

// resolveFromParent looks for a CPU list among numaOnly's ancestor
// device's hints; if none turns up, numaOnly itself is returned as a
// socket hint instead of a NUMA hint, since it clearly isn't one.
func resolveFromParent(parentDevPath, numaOnly string) (cpus string, numas string) {
	parentHints, err := NewTopologyHints(parentDevPath)
	if err != nil {
		return "", numaOnly
	}
	cpuSet := map[string]struct{}{}
	numaSet := map[string]struct{}{}
	for _, h := range parentHints {
		if h.CPUs != "" {
			cpuSet[h.CPUs] = struct{}{}
		}
		if h.NUMAs != "" {
			numaSet[h.NUMAs] = struct{}{}
		}
	}
	cpus = strings.Join(sortedKeys(cpuSet), ",")
	numas = strings.Join(sortedKeys(numaSet), ",")
	if cpus == "" {
		return "", numaOnly
	}
	if numas == "" {
		numas = numaOnly
	}
	return cpus, numas
}

// NewTopologyHints returns the hints for devPath and the devices it
// depends on: a bonded/RAID device's slaves, or (for a vfio passthrough
// device) the other members of its IOMMU group.
func NewTopologyHints(devPath string) (Hints, error) {
	hints := make(Hints)
	hostDevPath := filepath.Join(sysRoot, devPath)
	realDevPath, err := filepath.EvalSymlinks(hostDevPath)
	if err != nil {
		return nil, fmt.Errorf("topology: realpath %s: %w", hostDevPath, err)
	}

	for p := realDevPath; strings.HasPrefix(p, sysRoot+"/sys/devices/"); p = filepath.Dir(p) {
		hint, err := hintAtPath(p)
		if err != nil {
			return nil, err
		}
		if hint.CPUs != "" || hint.NUMAs != "" || hint.Sockets != "" {
			hints[hint.Provider] = *hint
			break
		}
	}

	for _, dep := range dependentDevices(realDevPath) {
		depHints, err := NewTopologyHints(dep)
		if err != nil {
			return nil, err
		}
		hints = MergeTopologyHints(hints, depHints)
	}
	return hints, nil
}

// dependentDevices returns the other real sysfs paths realDevPath's own
// hints should be merged with: RAID/bond slaves, plus (for a vfio device)
// its IOMMU group siblings. Errors resolving either are swallowed — a
// device with no dependents isn't a discovery failure.
func dependentDevices(realDevPath string) []string {
	var deps []string
	if slaves, err := filepath.Glob(filepath.Join(realDevPath, "slaves/*")); err == nil {
		deps = append(deps, slaves...)
	}
	if peers, err := iommuGroupPeers(realDevPath); err == nil {
		deps = append(deps, peers...)
	}
	return deps
}

// iommuGroupPeers returns the other devices in realDevPath's IOMMU group,
// for a device bound through /sys/devices/virtual/vfio/<group>.
func iommuGroupPeers(realDevPath string) ([]string, error) {
	rel, err := filepath.Rel("/sys/devices/virtual", realDevPath)
	if err != nil {
		return nil, fmt.Errorf("topology: not under /sys/devices/virtual: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("topology: %s is not a virtual device", realDevPath)
	}
	dir, group := filepath.Split(rel)
	if dir != "vfio/" {
		return nil, nil
	}

	iommuGroup := filepath.Join(sysRoot, "/sys/kernel/iommu_groups", group, "devices")
	entries, err := os.ReadDir(iommuGroup)
	if err != nil {
		return nil, fmt.Errorf("topology: read IOMMU group %s: %w", iommuGroup, err)
	}
	peers := make([]string, 0, len(entries))
	for _, e := range entries {
		real, err := filepath.EvalSymlinks(filepath.Join(iommuGroup, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("topology: realpath IOMMU peer %s: %w", e.Name(), err)
		}
		peers = append(peers, real)
	}
	return peers, nil
}

// MergeTopologyHints combines org and hints, org's entries winning ties.
func MergeTopologyHints(org, hints Hints) Hints {
	res := org
	if res == nil {
		res = make(Hints)
	}
	for k, v := range hints {
		if _, ok := res[k]; !ok {
			res[k] = v
		}
	}
	return res
}

// ResolvePartialHints resolves NUMA-only hints to CPU hints using resolve.
func (hints Hints) ResolvePartialHints(resolve func(NUMAs string) string) {
	for k, h := range hints {
		if h.CPUs == "" && h.NUMAs != "" {
			h.CPUs = resolve(h.NUMAs)
			hints[k] = h
		}
	}
}

func (h *Hint) String() string {
	cpus, nodes, sockets, sep := "", "", "", ""
	if h.CPUs != "" {
		cpus = "CPUs:" + h.CPUs
		sep = ", "
	}
	if h.NUMAs != "" {
		nodes = sep + "NUMAs:" + h.NUMAs
		sep = ", "
	}
	if h.Sockets != "" {
		sockets = sep + "sockets:" + h.Sockets
	}
	return "<hints " + cpus + nodes + sockets + " (from " + h.Provider + ")>"
}

// FindGivenSysFsDevice returns the physical device with the given device
// type, major, and minor numbers.
func FindGivenSysFsDevice(devType string, major, minor int64) (string, error) {
	switch devType {
	case "block", "char":
	case "b":
		devType = "block"
	case "c":
		devType = "char"
	default:
		return "", fmt.Errorf("topology: invalid device type %q", devType)
	}
	realDevPath, err := findSysFsDevice(devType, major, minor)
	if err != nil {
		return "", fmt.Errorf("topology: find sysfs device for %s %d/%d: %w", devType, major, minor, err)
	}
	return realDevPath, nil
}

func findSysFsDevice(devType string, major, minor int64) (string, error) {
	devPath := fmt.Sprintf("%s/sys/dev/%s/%d:%d", sysRoot, devType, major, minor)
	realDevPath, err := filepath.EvalSymlinks(devPath)
	if err != nil {
		return "", fmt.Errorf("topology: realpath %s: %w", devPath, err)
	}
	if sysRoot != "" && strings.HasPrefix(realDevPath, sysRoot) {
		realDevPath = strings.TrimPrefix(realDevPath, sysRoot)
	}
	return realDevPath, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type nopLogger struct{}

func (*nopLogger) Debugf(string, ...interface{}) {}
