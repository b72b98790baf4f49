package boardinfo

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"ttstudio/pkg/types"
)

// SystemResources fuses host information with per-device telemetry.
func (s *Service) SystemResources(ctx context.Context) types.SystemResources {
	out := types.SystemResources{Timestamp: time.Now().UTC(), HostInfo: hostInfo(ctx)}
	rep, err := s.Report(ctx)
	switch {
	case errors.Is(err, ErrNotInstalled):
		out.HardwareStatus = "unavailable"
	case err != nil:
		out.HardwareStatus = "error"
	case len(rep.DeviceInfo) == 0:
		out.HardwareStatus = "no_devices"
	default:
		out.HardwareStatus = "healthy"
	}
	if d, ok := rep.HostInfo["Driver"]; ok {
		out.HostInfo.Driver = fmt.Sprint(d)
	}
	for i, d := range rep.DeviceInfo {
		out.Devices = append(out.Devices, types.DeviceResources{
			Index:       i,
			BoardType:   RawBoardType(d.BoardInfo.BoardType),
			BusID:       d.BoardInfo.BusID,
			Temperature: float64(d.Telemetry.ASICTemperature),
			Power:       float64(d.Telemetry.Power),
			Voltage:     float64(d.Telemetry.Voltage),
			AIClock:     float64(d.Telemetry.AIClock),
			Status:      "active",
		})
	}
	label := Unknown
	if err == nil {
		label = DeriveLabel(rep)
	}
	out.BoardName = DisplayName(label)
	return out
}

func hostInfo(ctx context.Context) types.HostInfo {
	hi := types.HostInfo{OS: runtime.GOOS, CPUCount: runtime.NumCPU()}
	if h, err := host.InfoWithContext(ctx); err == nil {
		hi.Hostname = h.Hostname
		hi.OS = h.OS
		hi.Platform = h.Platform
		hi.KernelVersion = h.KernelVersion
		hi.UptimeSeconds = h.Uptime
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		hi.CPUCount = n
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		hi.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hi.MemoryTotal = vm.Total
		hi.MemoryUsed = vm.Used
	}
	return hi
}
