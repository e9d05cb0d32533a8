package backend

import (
	"context"
)

// VPCSDriver runs the lightweight VPCS host simulator. VPCS has one
// Ethernet port and no suspend support.
type VPCSDriver struct {
	*procDriver
}

// NewVPCS builds a VPCS driver.
func NewVPCS(nodeID string, settings map[string]any) (Driver, error) {
	return &VPCSDriver{procDriver: newProc(nodeID, "vpcs", settings)}, nil
}

func (d *VPCSDriver) Start(ctx context.Context) error {
	args := []string{"-i", "1"}
	if script := d.setting("startup_script", ""); script != "" {
		args = append(args, "-r", script)
	}
	return d.start(ctx, d.setting("vpcs_path", "vpcs"), args)
}

func (d *VPCSDriver) Layout() PortLayout {
	return PortLayout{Adapters: 1, PortsPerAdapter: 1}
}
