// naming.go: device naming by ordinal suffix
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pmbd

import "fmt"

// MaxDevices bounds the device indexes DeviceName (and so NewDevice)
// accepts, set by the single-letter ordinal suffix used for naming (a-z).
// ParseConfig does not itself limit the number of declared devices.
const MaxDevices = 26

// DeviceName returns the conventional name for device index idx, e.g.
// "pmbd" + index 0 -> "pmbda", matching the original driver's ordinal
// device-naming scheme.
func DeviceName(idx int) (string, error) {
	if idx < 0 || idx >= MaxDevices {
		return "", fmt.Errorf("device index %d out of range [0,%d)", idx, MaxDevices)
	}
	return fmt.Sprintf("pmbd%c", 'a'+idx), nil
}
