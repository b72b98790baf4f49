// Package boardinfo runs the device CLI, caches its output and the derived
// board label, resets boards and reports system resources.
package boardinfo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Unknown is reported for heterogeneous, unrecognized or undetectable boards.
const Unknown = "unknown"

// SMIReport is the subset of `tt-smi -s` output the control plane reads.
type SMIReport struct {
	HostInfo   map[string]any `json:"host_info"`
	DeviceInfo []SMIDevice    `json:"device_info"`
}

// SMIDevice is one device_info entry.
type SMIDevice struct {
	BoardInfo struct {
		BusID     string `json:"bus_id"`
		BoardType string `json:"board_type"`
		BoardID   string `json:"board_id"`
	} `json:"board_info"`
	Telemetry struct {
		Voltage         flexFloat `json:"voltage"`
		Current         flexFloat `json:"current"`
		Power           flexFloat `json:"power"`
		AIClock         flexFloat `json:"aiclk"`
		ASICTemperature flexFloat `json:"asic_temperature"`
	} `json:"telemetry"`
	Limits map[string]any `json:"limits"`
}

// flexFloat accepts numbers and numeric strings ("43.5", " 500").
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" || strings.EqualFold(s, "N/A") {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("telemetry value %q: %w", s, err)
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// ParseReport decodes `tt-smi -s` output.
func ParseReport(b []byte) (SMIReport, error) {
	var r SMIReport
	// tt-smi may print banners before the JSON document
	if i := bytes.IndexByte(b, '{'); i > 0 {
		b = b[i:]
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return r, fmt.Errorf("parse tt-smi output: %w", err)
	}
	return r, nil
}

// RawBoardType strips the trailing local/remote qualifier and lower-cases.
func RawBoardType(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	for len(fields) > 1 {
		switch fields[len(fields)-1] {
		case "local", "remote", "l", "r":
			fields = fields[:len(fields)-1]
			continue
		}
		break
	}
	return strings.Join(fields, " ")
}

// DeriveLabel maps the report's devices to a canonical board label. The set
// of raw board types must be a singleton; otherwise the label is Unknown.
func DeriveLabel(r SMIReport) string {
	types := map[string]struct{}{}
	for _, d := range r.DeviceInfo {
		types[RawBoardType(d.BoardInfo.BoardType)] = struct{}{}
	}
	if len(types) != 1 {
		return Unknown
	}
	for raw := range types {
		return Label(raw, len(r.DeviceInfo))
	}
	return Unknown
}

// Label maps a raw board type and device count to a canonical label.
func Label(raw string, count int) string {
	switch raw {
	case "n150":
		switch count {
		case 1:
			return "N150"
		case 4:
			return "N150X4"
		}
	case "n300":
		switch count {
		case 1:
			return "N300"
		case 4:
			return "T3K"
		}
	case "e150":
		return "E150"
	case "p100", "p100a":
		return "P100"
	case "p150", "p150a", "p150b", "p150c":
		switch count {
		case 1:
			return "P150"
		case 4:
			return "P150X4"
		case 8:
			return "P150X8"
		}
	case "p300", "p300a", "p300b", "p300c":
		switch count {
		case 2:
			return "P300c"
		case 4:
			return "P300cX2"
		case 8:
			return "P300cX4"
		}
	case "galaxy", "tg", "wormhole_galaxy", "ubb":
		switch count {
		case 32:
			return "GALAXY"
		case 8:
			return "GALAXY_T3K"
		}
	}
	return Unknown
}

var boardNames = map[string]string{
	"N150":       "Wormhole n150",
	"N300":       "Wormhole n300",
	"N150X4":     "4x Wormhole n150",
	"T3K":        "T3000 (4x n300)",
	"E150":       "Grayskull e150",
	"P100":       "Blackhole p100",
	"P150":       "Blackhole p150",
	"P150X4":     "4x Blackhole p150",
	"P150X8":     "8x Blackhole p150",
	"P300c":      "Blackhole p300c",
	"P300cX2":    "2x Blackhole p300c",
	"P300cX4":    "4x Blackhole p300c",
	"GALAXY":     "Galaxy (32x Wormhole)",
	"GALAXY_T3K": "Galaxy T3K (8x Wormhole)",
}

// DisplayName returns a human-readable name for a board label.
func DisplayName(label string) string {
	if n, ok := boardNames[label]; ok {
		return n
	}
	return "Unknown Board"
}

// Labels returns every label Label can produce, excluding Unknown.
func Labels() []string {
	out := make([]string, 0, len(boardNames))
	for k := range boardNames {
		out = append(out, k)
	}
	return out
}
