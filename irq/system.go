package irq

import (
	"context"

	"github.com/sarchlab/usb4bridge/regmap"
	"github.com/sarchlab/usb4bridge/state"
)

// Names of the system cascade phases.
const (
	PhaseUSBMaster     = "usb-master"
	PhaseTunnelRequest = "tunnel-request"
	PhaseNVMe          = "nvme"
)

func (d *Dispatcher) systemPhases() []Phase {
	return []Phase{
		{Name: PhaseUSBMaster, Run: d.usbMaster},
		{Name: PhaseTunnelRequest, Run: d.tunnelRequest},
		{Name: PhaseNVMe, Run: d.nvme},
	}
}

// systemPending reports whether bit is both raised and enabled on the
// system status register.
func (d *Dispatcher) systemPending(bit uint8) bool {
	return d.space.Read(regmap.SysIntStatus)&d.space.Read(regmap.SysIntEnable)&bit != 0
}

func (d *Dispatcher) ackSystem(bit uint8) {
	regmap.NewStatusRegister(d.space, regmap.SysIntStatus).Acknowledge(bit)
}

func (d *Dispatcher) usbMaster(_ context.Context, _ *state.Token) (bool, error) {
	if !d.systemPending(regmap.SysIntUSBMaster) {
		return false, nil
	}

	master := regmap.NewStatusRegister(d.space, regmap.USBMasterStatus)
	events := master.Read() & d.space.Read(regmap.USBMasterEnable)

	if events != 0 {
		d.usb.MasterEvent(events)
		master.Acknowledge(events)
	}

	d.ackSystem(regmap.SysIntUSBMaster)

	return true, nil
}

func (d *Dispatcher) tunnelRequest(_ context.Context, tok *state.Token) (bool, error) {
	if !d.systemPending(regmap.SysIntTunnelRequest) {
		return false, nil
	}

	d.tunnel.RequestTunnel(tok, d.state.Snapshot().Adapter)
	d.ackSystem(regmap.SysIntTunnelRequest)

	return true, nil
}

func (d *Dispatcher) nvme(_ context.Context, _ *state.Token) (bool, error) {
	if !d.systemPending(regmap.SysIntNVMe) {
		return false, nil
	}

	status := regmap.NewStatusRegister(d.space, regmap.NVMeIntStatus)
	events := status.Read() & d.space.Read(regmap.NVMeIntEnable)

	if events&regmap.NVMeIntDoorbell != 0 {
		d.queue.ServiceQueue(QueueDoorbell)
	}

	if events != 0 {
		status.Acknowledge(events)
	}

	d.ackSystem(regmap.SysIntNVMe)

	return true, nil
}
