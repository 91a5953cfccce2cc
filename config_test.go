// config_test.go: clause-string config parser tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pmbd

import "testing"

const oneGiBSectors = 1 << (30 - 9)

func TestParseConfig_SingleDevice(t *testing.T) {
	tests := []struct {
		name        string
		clause      string
		wantErr     bool
		checkDevice func(t *testing.T, d DeviceConfig)
	}{
		{
			name:   "BareCapacity",
			clause: "pmbd<1>",
			checkDevice: func(t *testing.T, d DeviceConfig) {
				if d.CapacitySectors != oneGiBSectors {
					t.Errorf("CapacitySectors = %d, want %d", d.CapacitySectors, oneGiBSectors)
				}
				if d.WPMode != WPModePTE {
					t.Errorf("WPMode = %v, want WPModePTE (default)", d.WPMode)
				}
			},
		},
		{
			name:   "WriteProtectPTE",
			clause: "pmbd<1>;wrprot<Y>;wpmode<0>",
			checkDevice: func(t *testing.T, d DeviceConfig) {
				if !d.WriteProtect {
					t.Error("WriteProtect = false, want true")
				}
				if d.WPMode != WPModePTE {
					t.Errorf("WPMode = %v, want WPModePTE", d.WPMode)
				}
			},
		},
		{
			name:   "WriteProtectBypass",
			clause: "pmbd<1>;wrprot<Y>;wpmode<1>",
			checkDevice: func(t *testing.T, d DeviceConfig) {
				if d.WPMode != WPModeBypass {
					t.Errorf("WPMode = %v, want WPModeBypass", d.WPMode)
				}
			},
		},
		{
			name:    "PmapAndWrprotMutuallyExclusive",
			clause:  "pmbd<1>;pmap<Y>;wrprot<Y>",
			wantErr: true,
		},
		{
			name:    "PmapAndBypassIncompatible",
			clause:  "pmbd<1>;pmap<Y>;wpmode<1>",
			wantErr: true,
		},
		{
			name:   "BufferGeometry",
			clause: "pmbd<1>;bufsize<16>;bufnum<2>;bufstride<512>;batch<256>",
			checkDevice: func(t *testing.T, d DeviceConfig) {
				if d.BufSizeMB != 16 || d.BufNum != 2 || d.BufStride != 512 || d.BatchSize != 256 {
					t.Errorf("buffer geometry = %+v, want {16 2 512 256}", d)
				}
			},
		},
		{
			name:   "EmulationClauses",
			clause: "pmbd<1>;rdlat<10000>;wrlat<5000>;rdbw<100>;wrbw<200>",
			checkDevice: func(t *testing.T, d DeviceConfig) {
				if d.ReadLatencyNs != 10000 || d.WriteLatencyNs != 5000 {
					t.Errorf("latencies = %d/%d, want 10000/5000", d.ReadLatencyNs, d.WriteLatencyNs)
				}
				if d.ReadBWMBs != 100 || d.WriteBWMBs != 200 {
					t.Errorf("bandwidths = %d/%d, want 100/200", d.ReadBWMBs, d.WriteBWMBs)
				}
			},
		},
		{
			name:   "SimModePMOnly",
			clause: "pmbd<1>;simmode<1>",
			checkDevice: func(t *testing.T, d DeviceConfig) {
				if d.SimWholeDevice {
					t.Error("SimWholeDevice = true, want false for simmode<1>")
				}
			},
		},
		{
			name:    "UnknownClauseName",
			clause:  "pmbd<1>;bogus<1>",
			wantErr: true,
		},
		{
			name:    "MissingPmbdClause",
			clause:  "wrprot<Y>",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig(tt.clause)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseConfig(%q) succeeded, want error", tt.clause)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseConfig(%q) failed: %v", tt.clause, err)
			}
			if len(cfg.Devices) != 1 {
				t.Fatalf("len(Devices) = %d, want 1", len(cfg.Devices))
			}
			if tt.checkDevice != nil {
				tt.checkDevice(t, cfg.Devices[0])
			}
		})
	}
}

func TestParseConfig_MultipleDevicesBroadcast(t *testing.T) {
	cfg, err := ParseConfig("pmbd<1,2>;wrprot<Y,N>")
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	if len(cfg.Devices) != 2 {
		t.Fatalf("len(Devices) = %d, want 2", len(cfg.Devices))
	}
	if !cfg.Devices[0].WriteProtect {
		t.Error("device 0 WriteProtect = false, want true")
	}
	if cfg.Devices[1].WriteProtect {
		t.Error("device 1 WriteProtect = true, want false")
	}
	if cfg.Devices[1].CapacitySectors != 2*oneGiBSectors {
		t.Errorf("device 1 capacity = %d, want %d", cfg.Devices[1].CapacitySectors, 2*oneGiBSectors)
	}
}

func TestParseConfig_RAMModeRejected(t *testing.T) {
	_, err := ParseConfig("pmbd<1>;rammode<Y>")
	if err == nil {
		t.Fatal("ParseConfig with rammode<Y> succeeded, want error")
	}
}

func TestParseConfig_HighMem(t *testing.T) {
	cfg, err := ParseConfig("pmbd<1>;HM;hmo<4>;hms<2>")
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	if !cfg.UseHighMem {
		t.Error("UseHighMem = false, want true")
	}
	if cfg.HighMemOffsetGB != 4 || cfg.HighMemSizeGB != 2 {
		t.Errorf("HighMem offset/size = %d/%d, want 4/2", cfg.HighMemOffsetGB, cfg.HighMemSizeGB)
	}
}
