// doc.go: package overview
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

// Package pmbd emulates a Persistent Memory (PM) tier as one or more
// byte-addressable block devices backed by reserved process memory.
//
// A Device owns a mapped PM window and a group of DRAM staging buffers.
// Writes land in a buffer first and are coalesced by physical block number
// before being flushed to the PM window, so the cost of toggling page
// write-protection is amortized across long contiguous runs instead of
// paid once per write. A background syncer drains each buffer on a
// watermark/idle policy; a barrier request (the Flush flag, on a device
// configured to honor it) drains synchronously
// and fences the configured cache attribute before returning.
//
// A second, independent concern — access-time and bandwidth emulation — lets
// a Device masquerade as slower media than the DRAM actually backing it,
// for benchmarking software against a PM-like latency/bandwidth profile
// without real PM hardware.
//
// # Quick start
//
//	cfg, err := pmbd.ParseConfig("pmbd<1>;wrprot<Y>;wpmode<0>;bufsize<16>;bufnum<1>;")
//	if err != nil {
//		log.Fatal(err)
//	}
//	dev, err := pmbd.NewDevice(0, cfg.Devices[0])
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dev.Close()
//
//	err = dev.MakeRequest(pmbd.Request{
//		Sector:    0,
//		Direction: pmbd.DirWrite,
//		Segments:  []pmbd.Segment{{Data: payload}},
//	})
//
// # Configuration
//
// Devices are configured once, at load, from a flat semicolon-separated
// clause string (see ParseConfig) — mirroring the module-parameter string
// the original kernel driver accepted at insmod time. The parsed result is
// a Config value holding one DeviceConfig per device, which NewDevice copies
// by value, rather than the process-wide mutable globals the original used.
package pmbd
