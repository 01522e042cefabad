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

package topology

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// FindSysFsDevice returns the physical device a path resolves to. For a
// device node it returns the device itself; for a regular file or
// directory it returns the storage device backing the inode. A virtual
// device (e.g. tmpfs) is an error. A non-existing path returns ("", nil)
// rather than an error, since "no rail affinity known" is a valid answer
// for a caller probing a registration's backing path.
func FindSysFsDevice(dev string) (string, error) {
	fi, err := os.Stat(dev)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("topology: stat %s: %w", dev, err)
	}

	stat, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return "", fmt.Errorf("topology: unsupported stat_t for %s", dev)
	}
	devType, rdev := "block", stat.Dev
	if mode := fi.Mode(); mode&os.ModeDevice != 0 {
		rdev = stat.Rdev
		if mode&os.ModeCharDevice != 0 {
			devType = "char"
		}
	}

	major, minor := int64(unix.Major(rdev)), int64(unix.Minor(rdev))
	if major == 0 {
		return "", fmt.Errorf("topology: %s is a virtual device node", dev)
	}

	realDevPath, err := findSysFsDevice(devType, major, minor)
	if err != nil {
		return "", fmt.Errorf("topology: find sysfs device for %s: %w", dev, err)
	}
	return realDevPath, nil
}
