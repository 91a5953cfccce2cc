// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

// Command pmbdctl loads a pmbd clause-string configuration, constructs the
// devices it describes, and prints each device's resolved configuration
// and stats dump. It is a diagnostics tool, not a block-device server: the
// devices it constructs are exercised only through MakeRequest calls made
// by an embedding process.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/agilira/pmbd"
)

func main() {
	clause := flag.String("config", "", "clause string, e.g. \"pmbd<1>;wrprot<Y>;wpmode<0>\"")
	configFile := flag.String("config-file", "", "path to a file containing the clause string (overrides -config)")
	flag.Parse()

	raw := *clause
	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pmbdctl: reading config file: %v\n", err)
			os.Exit(1)
		}
		raw = string(data)
	}
	if raw == "" {
		fmt.Fprintln(os.Stderr, "pmbdctl: one of -config or -config-file is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := pmbd.ParseConfig(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pmbdctl: invalid config: %v\n", err)
		os.Exit(1)
	}

	devices := make([]*pmbd.Device, 0, len(cfg.Devices))
	for i, devCfg := range cfg.Devices {
		dev, err := pmbd.NewDevice(i, devCfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pmbdctl: creating device %d: %v\n", i, err)
			os.Exit(1)
		}
		devices = append(devices, dev)
	}
	defer func() {
		for _, dev := range devices {
			dev.Close()
		}
	}()

	dump := make([]deviceDump, 0, len(devices))
	for _, dev := range devices {
		dump = append(dump, deviceDump{
			Name:   dev.Name(),
			Config: dev.ConfigDump(),
			Stats:  dev.Stats(),
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dump); err != nil {
		fmt.Fprintf(os.Stderr, "pmbdctl: encoding dump: %v\n", err)
		os.Exit(1)
	}
}

type deviceDump struct {
	Name   string            `json:"name"`
	Config pmbd.DeviceConfig `json:"config"`
	Stats  pmbd.Stats        `json:"stats"`
}
