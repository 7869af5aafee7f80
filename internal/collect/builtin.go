package collect

import (
	"context"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"salagent/internal/report"
)

// Sal reports the agent's own version and machine group key.
type Sal struct {
	version string
	key     string
}

// NewSal creates the Sal collector.
func NewSal(version, key string) *Sal {
	return &Sal{version: version, key: key}
}

// Name implements Collector.
func (*Sal) Name() string { return "Sal" }

// Collect implements Collector.
func (s *Sal) Collect(context.Context) ([]report.Contribution, error) {
	return []report.Contribution{{
		Module: "Sal",
		Report: report.ModuleReport{
			Facts: map[string]report.Value{
				"checkin_module_version": report.String(s.version),
			},
			ExtraData: map[string]report.Value{
				"sal_version": report.String(s.version),
				"key":         report.String(s.key),
			},
		},
	}}, nil
}

// Machine reports host facts and the serial number.
type Machine struct {
	hostInfo   func(ctx context.Context) (*host.InfoStat, error)
	memory     func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	diskUsage  func(ctx context.Context, path string) (*disk.UsageStat, error)
	serial     string
	osFamily   string
	volumePath string
}

// NewMachine creates the Machine collector. serial overrides the host ID
// when set.
func NewMachine(serial, osFamily string) *Machine {
	return &Machine{
		serial:     serial,
		osFamily:   osFamily,
		volumePath: "/",
		hostInfo:   host.InfoWithContext,
		memory:     mem.VirtualMemoryWithContext,
		diskUsage:  disk.UsageWithContext,
	}
}

// Name implements Collector.
func (*Machine) Name() string { return "Machine" }

// Collect implements Collector. Host information is required; memory and
// disk figures are reported as warnings when unavailable.
func (m *Machine) Collect(ctx context.Context) ([]report.Contribution, error) {
	info, err := m.hostInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read host info: %w", err)
	}

	facts := map[string]report.Value{
		"hostname":         report.String(info.Hostname),
		"os":               report.String(info.OS),
		"platform":         report.String(info.Platform),
		"platform_version": report.String(info.PlatformVersion),
		"kernel_version":   report.String(info.KernelVersion),
		"kernel_arch":      report.String(info.KernelArch),
		"uptime":           report.Int(int64(info.Uptime)), //nolint:gosec // seconds since boot
	}
	var messages []report.Message

	if vm, err := m.memory(ctx); err != nil {
		messages = append(messages, report.Message{Type: report.MessageWarning, Text: "Could not read memory: " + err.Error()})
	} else {
		facts["memory_total"] = report.Int(int64(vm.Total)) //nolint:gosec // bytes of RAM
	}
	if du, err := m.diskUsage(ctx, m.volumePath); err != nil {
		messages = append(messages, report.Message{Type: report.MessageWarning, Text: "Could not read disk usage: " + err.Error()})
	} else {
		facts["disk_total"] = report.Int(int64(du.Total)) //nolint:gosec // bytes
		facts["disk_free"] = report.Int(int64(du.Free))   //nolint:gosec // bytes
	}

	serial := m.serial
	if serial == "" {
		serial = strings.ToUpper(info.HostID)
	}

	return []report.Contribution{{
		Module: "Machine",
		Report: report.ModuleReport{
			Facts:    facts,
			Messages: messages,
			ExtraData: map[string]report.Value{
				"serial":    report.String(serial),
				"hostname":  report.String(info.Hostname),
				"os_family": report.String(m.osFamily),
			},
		},
	}}, nil
}
