package backend

import (
	"context"
	"strconv"
)

// QemuDriver runs a full VM under qemu. Suspend/resume freeze the
// emulator process; qemu does not participate in idle-pc calibration.
type QemuDriver struct {
	*procDriver
}

// NewQemu builds a qemu VM driver.
func NewQemu(nodeID string, settings map[string]any) (Driver, error) {
	return &QemuDriver{procDriver: newProc(nodeID, "qemu", settings)}, nil
}

func (d *QemuDriver) Start(ctx context.Context) error {
	args := []string{
		"-name", d.nodeID,
		"-m", strconv.Itoa(d.intSetting("ram", 256)),
		"-nographic",
	}
	if image := d.setting("hda_disk_image", ""); image != "" {
		args = append(args, "-hda", image)
	}
	return d.start(ctx, d.setting("qemu_path", "qemu-system-x86_64"), args)
}

func (d *QemuDriver) Suspend(ctx context.Context) error { return d.suspend(ctx) }
func (d *QemuDriver) Resume(ctx context.Context) error  { return d.resume(ctx) }

func (d *QemuDriver) Layout() PortLayout {
	return PortLayout{
		Adapters:        d.intSetting("adapters", 4),
		PortsPerAdapter: 1,
	}
}
