//go:build linux

package simnic

import (
	"github.com/romshark/gvnic/desc"
)

// bar0 is the configuration register window.
type bar0 struct{ d *Device }

func (b bar0) ReadBE32(off uint32) uint32 {
	d := b.d
	d.lock.Lock()
	defer d.lock.Unlock()
	switch off {
	case desc.RegDeviceStatus:
		var v uint32
		if d.resetReq {
			v |= desc.DeviceStatusReset
		}
		if d.linkUp {
			v |= desc.DeviceStatusLinkStatus
		}
		return v
	case desc.RegDriverStatus:
		return d.driverStatus
	case desc.RegMaxQueuePairs:
		return uint32(d.conf.MaxQueues)
	case desc.RegLinkSpeed:
		return uint32(min(d.conf.LinkSpeed, 1<<32-1))
	case desc.RegAdminQueuePFN:
		return d.aqPFN
	case desc.RegAdminQueueCounter:
		return d.aqCounter
	}
	return 0
}

func (b bar0) WriteBE32(off uint32, v uint32) {
	d := b.d
	d.lock.Lock()
	defer d.lock.Unlock()
	switch off {
	case desc.RegDriverStatus:
		d.driverStatus = v
		if v&desc.DriverStatusReset != 0 {
			d.reset()
		}
	case desc.RegAdminQueuePFN:
		if v == 0 {
			// Releasing the admin queue resets the device.
			d.reset()
			return
		}
		d.aqPFN = v
		d.aqCounter = 0
		d.log.WithField("pfn", v).Debug("Admin queue registered")
	case desc.RegAdminQueueDoorbell:
		d.aqProd = v
		d.processAdmin()
	default:
		d.log.WithField("offset", off).Debug("Write to unknown register")
	}
}

func (b bar0) WriteLE32(off uint32, v uint32) {
	b.d.log.WithField("offset", off).Debug("Little-endian write to BAR0 ignored")
}

func (b bar0) Write8(off uint32, v uint8) {
	if off != desc.RegDriverVersion {
		return
	}
	d := b.d
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.versionDone {
		d.version = d.version[:0]
		d.versionDone = false
	}
	if v == '\n' {
		d.versionDone = true
		d.log.WithField("version", string(d.version)).Info("Driver version")
		return
	}
	d.version = append(d.version, v)
}

// reset drops every resource handed to the device and the admin queue.
func (d *Device) reset() {
	d.resetResources()
	d.aqPFN = 0
	d.aqCounter = 0
	d.aqProd = 0
	d.resetReq = false
	d.stats.Resets++
	d.log.Debug("Device reset")
}

// bar2 is the doorbell window. The first entries are the notify block
// doorbells, queue doorbells follow.
type bar2 struct{ d *Device }

func (b bar2) ReadBE32(uint32) uint32 { return 0 }

func (b bar2) WriteBE32(off uint32, v uint32) {
	d := b.d
	d.lock.Lock()
	defer d.lock.Unlock()
	idx := off / 4
	if int(idx) < len(d.blocks) {
		// Anything but MASK unmasks, ACK and EVENT included.
		d.blocks[idx].armed = v&desc.IRQMask == 0
		return
	}
	d.ring(idx, v)
}

func (b bar2) WriteLE32(off uint32, v uint32) {
	d := b.d
	d.lock.Lock()
	defer d.lock.Unlock()
	idx := off / 4
	if int(idx) < len(d.blocks) {
		if v&desc.ITREnableBitDQO != 0 {
			d.blocks[idx].armed = true
		}
		return
	}
	d.ring(idx, v)
}

func (b bar2) Write8(uint32, uint8) {}

// ring records a queue doorbell write. Rings are processed by Step.
func (d *Device) ring(idx, v uint32) {
	db, ok := d.doorbells[idx]
	switch {
	case !ok:
		d.stats.ProtocolErrors++
		d.log.WithField("doorbell", idx).Warn("Write to unassigned doorbell")
	case db.tx != nil:
		db.tx.tail = v
	case db.rx != nil:
		db.rx.doorbell(v)
	}
}
