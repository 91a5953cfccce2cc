// config.go: clause-string configuration parsing
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pmbd

import (
	"fmt"
	"strconv"
	"strings"
)

// WPMode selects how write-protection is lifted during a protected write.
type WPMode int

const (
	// WPModePTE flips page-table entries read-only/writable around each
	// protected write window; flushes sort by PBN to coalesce the flips
	// across long contiguous runs.
	WPModePTE WPMode = iota
	// WPModeBypass disables processor-level write-protection (and local
	// interrupts) for the duration of a copy instead of touching PTEs.
	// Incompatible with private-mapping mode.
	WPModeBypass
)

// CacheAttr selects the PM page cache attribute, which determines what
// fence the barrier protocol applies (§4.8).
type CacheAttr int

const (
	CacheWriteBack CacheAttr = iota
	CacheWriteCombining
	CacheUncachedMinus
	CacheUncachedStrong
)

func parseCacheAttr(s string) (CacheAttr, error) {
	switch strings.ToUpper(s) {
	case "WB":
		return CacheWriteBack, nil
	case "WC":
		return CacheWriteCombining, nil
	case "UM":
		return CacheUncachedMinus, nil
	case "UC":
		return CacheUncachedStrong, nil
	default:
		return 0, fmt.Errorf("unknown cache attribute %q (want WB, WC, UM or UC)", s)
	}
}

// DeviceConfig holds the fully-resolved, per-device configuration derived
// from a clause string. All fields default to the safe "emulation off,
// protection off" values a bare "pmbd<n>" clause produces.
type DeviceConfig struct {
	CapacitySectors uint64

	PrivateMapping     bool
	NonTemporalStore   bool
	NonTemporalLoad    bool
	HonorFlush         bool
	HonorFUA           bool
	CacheAttr          CacheAttr
	WriteProtect       bool
	WPMode             WPMode
	CLFlush            bool
	WriteVerify        bool
	Checksum           bool
	Lock               bool
	SubpageUpdate      bool
	TimeStat           bool

	BufSizeMB   uint64
	BufNum      int
	BufStride   int
	BatchSize   int

	SimWholeDevice bool // simmode0 (default): emulate whole device, vs simmode1: PM only
	ReadLatencyNs  uint64
	WriteLatencyNs uint64
	ReadBWMBs      uint64
	WriteBWMBs     uint64
	ReadSlowdownX  uint
	WriteSlowdownX uint
	ReadPauseCycles  uint64
	WritePauseCycles uint64
	AdjustNs         int64
}

// Config is the immutable, process-wide result of parsing a clause string
// once at load. It is constructed by ParseConfig; each Device is built from
// one entry of Devices, which NewDevice copies by value — the rewrite of the
// original driver's process-wide mutable globals.
type Config struct {
	Devices []DeviceConfig

	UseHighMem      bool // HM (default) vs VM (kernel virtual alloc)
	HighMemOffsetGB uint64
	HighMemSizeGB   uint64

	Mergeable bool // mgb<Y/N>; "not mergeable" only empty-size probes may merge
	RAMMode   bool // reserved option: accepted by the parser, rejected at load (see DESIGN.md)

	raw string
}

const defaultBufSizeMB = 4
const defaultBufNum = 1
const defaultBufStride = 1024
const defaultBatchSize = 1024

func defaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		HonorFUA:    true,
		CacheAttr:   CacheWriteBack,
		WPMode:      WPModePTE,
		BufSizeMB:   defaultBufSizeMB,
		BufNum:      defaultBufNum,
		BufStride:   defaultBufStride,
		BatchSize:   defaultBatchSize,
		SimWholeDevice: true,
	}
}

// splitList splits a comma-separated argument list found inside <...>.
func splitList(arg string) []string {
	if arg == "" {
		return nil
	}
	return strings.Split(arg, ",")
}

// broadcastUint fills out per-device uint64 values from a comma-separated
// list: if the list has one entry, it applies to every device; otherwise
// entry i applies to device i (entries beyond the device count are ignored,
// missing entries default to 0).
func broadcastUint(list []string, n int) ([]uint64, error) {
	out := make([]uint64, n)
	if len(list) == 0 {
		return out, nil
	}
	for i := 0; i < n; i++ {
		var s string
		if len(list) == 1 {
			s = list[0]
		} else if i < len(list) {
			s = list[i]
		} else {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", s, err)
		}
		out[i] = v
	}
	return out, nil
}

func parseYN(s string) (bool, error) {
	switch strings.ToUpper(s) {
	case "Y":
		return true, nil
	case "N", "":
		return false, nil
	default:
		return false, fmt.Errorf("invalid Y/N value %q", s)
	}
}

// splitClause splits a "name<args>" clause into its name and bracketed
// argument string. Bare clauses like "HM" return ("HM", "").
func splitClause(clause string) (name, arg string, hasArg bool) {
	open := strings.IndexByte(clause, '<')
	if open < 0 {
		return clause, "", false
	}
	close := strings.LastIndexByte(clause, '>')
	if close < open {
		return clause, "", false
	}
	return clause[:open], clause[open+1 : close], true
}

// ParseConfig parses a pmbd clause string — a flat, semicolon-separated list
// of configuration clauses — into an immutable Config. See spec §6 for the
// full clause table. The device count is declared by the "pmbd<n,n,...>"
// clause; every other per-device clause is broadcast or indexed against
// that count. Validation errors abort loading with a descriptive message,
// matching the original driver's "abort insmod on bad mode=" behavior.
func ParseConfig(s string) (*Config, error) {
	cfg := &Config{raw: s, UseHighMem: true}

	clauses := make([]string, 0, 16)
	for _, c := range strings.Split(s, ";") {
		c = strings.TrimSpace(c)
		if c != "" {
			clauses = append(clauses, c)
		}
	}

	var numDevices int
	var capSectors []uint64
	for _, clause := range clauses {
		name, arg, hasArg := splitClause(clause)
		if name == "pmbd" && hasArg {
			gibs, err := broadcastGB(arg)
			if err != nil {
				return nil, newError(KindConfigInvalid, "ParseConfig", err.Error())
			}
			numDevices = len(gibs)
			capSectors = make([]uint64, numDevices)
			for i, g := range gibs {
				capSectors[i] = g << (30 - 9) // GiB -> 512-byte sectors
			}
		}
	}
	if numDevices == 0 {
		return nil, newError(KindConfigInvalid, "ParseConfig", `missing required "pmbd<n,...>" clause`)
	}

	devices := make([]DeviceConfig, numDevices)
	for i := range devices {
		devices[i] = defaultDeviceConfig()
		devices[i].CapacitySectors = capSectors[i]
	}

	for _, clause := range clauses {
		name, arg, hasArg := splitClause(clause)
		if err := applyClause(cfg, devices, name, arg, hasArg); err != nil {
			return nil, newError(KindConfigInvalid, "ParseConfig", fmt.Sprintf("clause %q: %v", clause, err))
		}
	}

	for i := range devices {
		if devices[i].PrivateMapping && devices[i].WriteProtect {
			return nil, newError(KindConfigInvalid, "ParseConfig",
				fmt.Sprintf("device %d: pmap and wrprot are mutually exclusive", i))
		}
		if devices[i].PrivateMapping && devices[i].WPMode == WPModeBypass {
			return nil, newError(KindConfigInvalid, "ParseConfig",
				fmt.Sprintf("device %d: pmap is incompatible with bypass write-protection mode", i))
		}
	}

	cfg.Devices = devices
	return cfg, nil
}

func broadcastGB(arg string) ([]uint64, error) {
	list := splitList(arg)
	out := make([]uint64, len(list))
	for i, s := range list {
		v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid device size %q: %w", s, err)
		}
		out[i] = v
	}
	return out, nil
}

// applyClause mutates cfg and/or devices in place for one parsed clause.
func applyClause(cfg *Config, devices []DeviceConfig, name, arg string, hasArg bool) error {
	n := len(devices)
	switch name {
	case "pmbd":
		// handled in a prior pass
	case "HM":
		cfg.UseHighMem = true
	case "VM":
		cfg.UseHighMem = false
	case "hmo":
		v, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return err
		}
		cfg.HighMemOffsetGB = v
	case "hms":
		v, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return err
		}
		cfg.HighMemSizeGB = v
	case "rammode":
		// Reserved option: accepted but rejected at load (see spec §9 Open
		// Questions). Its intended semantics were never documented.
		return fmt.Errorf("rammode is a reserved option and is not supported")
	case "mgb":
		v, err := parseYN(arg)
		if err != nil {
			return err
		}
		cfg.Mergeable = v
	case "pmap":
		return broadcastBool(arg, n, func(i int, v bool) { devices[i].PrivateMapping = v })
	case "nts":
		return broadcastBool(arg, n, func(i int, v bool) { devices[i].NonTemporalStore = v })
	case "ntl":
		return broadcastBool(arg, n, func(i int, v bool) { devices[i].NonTemporalLoad = v })
	case "wb":
		return broadcastBool(arg, n, func(i int, v bool) { devices[i].HonorFlush = v })
	case "fua":
		return broadcastBool(arg, n, func(i int, v bool) { devices[i].HonorFUA = v })
	case "cache":
		list := splitList(arg)
		for i := 0; i < n; i++ {
			s := pick(list, i)
			if s == "" {
				continue
			}
			attr, err := parseCacheAttr(s)
			if err != nil {
				return err
			}
			devices[i].CacheAttr = attr
		}
	case "wrprot":
		return broadcastBool(arg, n, func(i int, v bool) { devices[i].WriteProtect = v })
	case "wpmode":
		vals, err := broadcastUint(splitList(arg), n)
		if err != nil {
			return err
		}
		for i, v := range vals {
			if v == 0 {
				devices[i].WPMode = WPModePTE
			} else {
				devices[i].WPMode = WPModeBypass
			}
		}
	case "clflush":
		return broadcastBool(arg, n, func(i int, v bool) { devices[i].CLFlush = v })
	case "wrverify":
		return broadcastBool(arg, n, func(i int, v bool) { devices[i].WriteVerify = v })
	case "checksum":
		return broadcastBool(arg, n, func(i int, v bool) { devices[i].Checksum = v })
	case "lock":
		return broadcastBool(arg, n, func(i int, v bool) { devices[i].Lock = v })
	case "subupdate":
		return broadcastBool(arg, n, func(i int, v bool) { devices[i].SubpageUpdate = v })
	case "timestat":
		return broadcastBool(arg, n, func(i int, v bool) { devices[i].TimeStat = v })
	case "bufsize":
		vals, err := broadcastUint(splitList(arg), n)
		if err != nil {
			return err
		}
		for i, v := range vals {
			if v > 0 {
				devices[i].BufSizeMB = v
			}
		}
	case "bufnum":
		v, err := strconv.Atoi(arg)
		if err != nil {
			return err
		}
		for i := range devices {
			devices[i].BufNum = v
		}
	case "bufstride":
		v, err := strconv.Atoi(arg)
		if err != nil {
			return err
		}
		for i := range devices {
			devices[i].BufStride = v
		}
	case "batch":
		vals, err := broadcastUint(splitList(arg), n)
		if err != nil {
			return err
		}
		for i, v := range vals {
			if v > 0 {
				devices[i].BatchSize = int(v)
			}
		}
	case "rdlat":
		return broadcastU64Field(arg, n, func(i int, v uint64) { devices[i].ReadLatencyNs = v })
	case "wrlat":
		return broadcastU64Field(arg, n, func(i int, v uint64) { devices[i].WriteLatencyNs = v })
	case "rdbw":
		return broadcastU64Field(arg, n, func(i int, v uint64) { devices[i].ReadBWMBs = v })
	case "wrbw":
		return broadcastU64Field(arg, n, func(i int, v uint64) { devices[i].WriteBWMBs = v })
	case "rdsx":
		return broadcastU64Field(arg, n, func(i int, v uint64) { devices[i].ReadSlowdownX = uint(v) })
	case "wrsx":
		return broadcastU64Field(arg, n, func(i int, v uint64) { devices[i].WriteSlowdownX = uint(v) })
	case "rdpause":
		return broadcastU64Field(arg, n, func(i int, v uint64) { devices[i].ReadPauseCycles = v })
	case "wrpause":
		return broadcastU64Field(arg, n, func(i int, v uint64) { devices[i].WritePauseCycles = v })
	case "simmode":
		vals, err := broadcastUint(splitList(arg), n)
		if err != nil {
			return err
		}
		for i, v := range vals {
			devices[i].SimWholeDevice = v == 0
		}
	case "adj":
		v, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return err
		}
		for i := range devices {
			devices[i].AdjustNs = v
		}
	default:
		return fmt.Errorf("unknown option %q", name)
	}
	return nil
}

func pick(list []string, i int) string {
	if len(list) == 0 {
		return ""
	}
	if len(list) == 1 {
		return list[0]
	}
	if i < len(list) {
		return list[i]
	}
	return ""
}

func broadcastBool(arg string, n int, set func(int, bool)) error {
	list := splitList(arg)
	for i := 0; i < n; i++ {
		s := pick(list, i)
		if s == "" {
			continue
		}
		v, err := parseYN(s)
		if err != nil {
			return err
		}
		set(i, v)
	}
	return nil
}

func broadcastU64Field(arg string, n int, set func(int, uint64)) error {
	vals, err := broadcastUint(splitList(arg), n)
	if err != nil {
		return err
	}
	for i, v := range vals {
		set(i, v)
	}
	return nil
}
