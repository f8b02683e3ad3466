//go:build linux

package simnic

import (
	"encoding/binary"
	"math/bits"

	"github.com/sirupsen/logrus"

	"github.com/romshark/gvnic/desc"
)

const aqCapacity = desc.PageSize / desc.CommandSize

// processAdmin executes every command up to the producer count.
func (d *Device) processAdmin() {
	if d.faults.stallAdmin || d.aqPFN == 0 || d.aqCounter == d.aqProd {
		return
	}
	ring, ok := d.resolve(uint64(d.aqPFN)*desc.PageSize, desc.PageSize)
	if !ok {
		return
	}
	for ; d.aqCounter != d.aqProd; d.aqCounter++ {
		slot := ring[int(d.aqCounter%aqCapacity)*desc.CommandSize:][:desc.CommandSize]
		var c desc.Command
		c.Decode(slot)

		st, forced := d.faults.status[c.Opcode]
		if !forced {
			st = d.execute(&c)
		}
		d.stats.AdminCommands++
		l := d.log.WithFields(logrus.Fields{"opcode": c.Opcode, "status": st})
		if st != desc.StatusPassed {
			l.Debug("Admin command failed")
		} else {
			l.Debug("Admin command executed")
		}
		desc.PutSlotStatus(slot, st)
	}
}

func (d *Device) execute(c *desc.Command) desc.Status {
	p := c.Payload[:]
	switch c.Opcode {
	case desc.OpDescribeDevice:
		var cmd desc.DescribeDevice
		cmd.Decode(p)
		return d.describe(&cmd)
	case desc.OpConfigureDeviceResources:
		var cmd desc.ConfigureDeviceResources
		cmd.Decode(p)
		return d.configure(&cmd)
	case desc.OpDeconfigureDeviceResources:
		if len(d.txq) > 0 || len(d.rxq) > 0 {
			return desc.StatusFailedPrecondition
		}
		d.configured = false
		d.counters, d.blocks = nil, nil
		return desc.StatusPassed
	case desc.OpRegisterPageList:
		var cmd desc.RegisterPageList
		cmd.Decode(p)
		return d.registerPageList(&cmd)
	case desc.OpUnregisterPageList:
		var cmd desc.UnregisterPageList
		cmd.Decode(p)
		l, ok := d.qpls[cmd.ID]
		switch {
		case !ok:
			return desc.StatusNotFound
		case l.users > 0:
			return desc.StatusFailedPrecondition
		}
		delete(d.qpls, cmd.ID)
		d.registered -= len(l.pages)
		return desc.StatusPassed
	case desc.OpCreateTxQueue:
		var cmd desc.CreateTxQueue
		cmd.Decode(p)
		return d.createTx(&cmd)
	case desc.OpCreateRxQueue:
		var cmd desc.CreateRxQueue
		cmd.Decode(p)
		return d.createRx(&cmd)
	case desc.OpDestroyTxQueue:
		var cmd desc.DestroyTxQueue
		cmd.Decode(p)
		q, ok := d.txq[cmd.QueueID]
		if !ok {
			return desc.StatusNotFound
		}
		q.release()
		delete(d.txq, cmd.QueueID)
		return desc.StatusPassed
	case desc.OpDestroyRxQueue:
		var cmd desc.DestroyRxQueue
		cmd.Decode(p)
		q, ok := d.rxq[cmd.QueueID]
		if !ok {
			return desc.StatusNotFound
		}
		q.release()
		delete(d.rxq, cmd.QueueID)
		return desc.StatusPassed
	case desc.OpSetDriverParameter:
		var cmd desc.SetDriverParameter
		cmd.Decode(p)
		if cmd.Type != desc.ParamMTU {
			return desc.StatusInvalidArgument
		}
		if cmd.Value < 576 || cmd.Value > uint64(d.conf.MaxMTU) {
			return desc.StatusInvalidArgument
		}
		d.mtu = int(cmd.Value)
		return desc.StatusPassed
	case desc.OpReportLinkSpeed:
		var cmd desc.ReportLinkSpeed
		cmd.Decode(p)
		b, ok := d.resolve(cmd.Addr, 8)
		if !ok {
			return desc.StatusInvalidArgument
		}
		binary.BigEndian.PutUint64(b, d.conf.LinkSpeed)
		return desc.StatusPassed
	case desc.OpGetPtypeMap:
		var cmd desc.GetPtypeMap
		cmd.Decode(p)
		if !d.conf.Format.IsDQO() {
			return desc.StatusUnimplemented
		}
		if cmd.Len < desc.PtypeMapSize {
			return desc.StatusInvalidArgument
		}
		b, ok := d.resolve(cmd.Addr, desc.PtypeMapSize)
		if !ok {
			return desc.StatusInvalidArgument
		}
		ptypeMap().Encode(b)
		return desc.StatusPassed
	}
	return desc.StatusUnimplemented
}

// options returns the encoded device option list.
func (d *Device) options() (opts []byte, n int) {
	add := func(id desc.OptionID, size int, encode func([]byte)) {
		b := make([]byte, desc.DeviceOptionHeaderSize+size)
		o := desc.DeviceOption{ID: id, Length: uint16(size)}
		o.Encode(b)
		encode(b[desc.DeviceOptionHeaderSize:])
		opts = append(opts, b...)
		n++
	}
	add(desc.OptGQIQPL, desc.OptGQIQPLSize, (&desc.OptionGQIQPL{}).Encode)
	switch d.conf.Format {
	case desc.QueueFormatDQORDA:
		add(desc.OptDQORDA, desc.OptDQORDASize, (&desc.OptionDQORDA{}).Encode)
	case desc.QueueFormatDQOQPL:
		add(desc.OptDQOQPL, desc.OptDQOQPLSize, (&desc.OptionDQOQPL{
			TxCompRingEntries: uint16(d.conf.TxDescCnt),
			RxBuffRingEntries: uint16(d.conf.RxDescCnt),
		}).Encode)
	}
	if d.conf.ModifyRing {
		add(desc.OptModifyRing, desc.OptModifyRingSize, (&desc.OptionModifyRing{
			MaxRxRingSize: maxRingSize,
			MaxTxRingSize: maxRingSize,
			MinRxRingSize: minRingSize,
			MinTxRingSize: minRingSize,
		}).Encode)
	}
	if d.conf.MaxMTU > d.conf.MTU {
		add(desc.OptJumboFrames, desc.OptJumboFramesSize, (&desc.OptionJumboFrames{
			MaxMTU: uint16(d.conf.MaxMTU),
		}).Encode)
	}
	return opts, n
}

func (d *Device) describe(cmd *desc.DescribeDevice) desc.Status {
	if cmd.Version != desc.DeviceDescriptorVersion {
		return desc.StatusInvalidArgument
	}
	opts, n := d.options()
	total := desc.DeviceDescriptorSize + len(opts)
	if int(cmd.AvailableLength) < total {
		return desc.StatusOutOfRange
	}
	b, ok := d.resolve(cmd.DescriptorAddr, total)
	if !ok {
		return desc.StatusInvalidArgument
	}
	dd := desc.DeviceDescriptor{
		MaxRegisteredPages: uint64(d.conf.MaxRegisteredPages),
		TxQueueEntries:     uint16(d.conf.TxDescCnt),
		RxQueueEntries:     uint16(d.conf.RxDescCnt),
		DefaultNumQueues:   uint16(d.conf.MaxQueues),
		MTU:                uint16(d.conf.MTU),
		Counters:           uint16(2 * d.conf.MaxQueues),
		RxPagesPerQPL:      uint16(d.conf.RxDescCnt),
		NumDeviceOptions:   uint16(n),
		TotalLength:        uint16(total),
	}
	copy(dd.MAC[:], d.conf.MAC)
	dd.Encode(b)
	copy(b[desc.DeviceDescriptorSize:], opts)
	return desc.StatusPassed
}

func (d *Device) configure(cmd *desc.ConfigureDeviceResources) desc.Status {
	if d.configured {
		return desc.StatusFailedPrecondition
	}
	switch cmd.QueueFormat {
	case desc.QueueFormatGQIQPL, d.conf.Format:
	default:
		return desc.StatusInvalidArgument
	}
	if cmd.NumCounters == 0 || cmd.NumIRQDoorbells == 0 || cmd.IRQDoorbellStride < 4 ||
		cmd.NumIRQDoorbells > uint32(2*d.conf.MaxQueues+1) {
		return desc.StatusInvalidArgument
	}
	counters, ok := d.resolve(cmd.CounterArrayAddr, int(cmd.NumCounters)*4)
	if !ok {
		return desc.StatusInvalidArgument
	}
	stride := int(cmd.IRQDoorbellStride)
	irqs, ok := d.resolve(cmd.IRQDoorbellAddr, int(cmd.NumIRQDoorbells)*stride)
	if !ok {
		return desc.StatusInvalidArgument
	}
	for i := range int(cmd.NumIRQDoorbells) {
		desc.PutIRQDoorbellIndex(irqs[i*stride:], uint32(i))
	}
	d.configured = true
	d.format = cmd.QueueFormat
	d.counters = counters
	d.blocks = make([]notifyBlock, cmd.NumIRQDoorbells)
	d.nextDB = cmd.NumIRQDoorbells
	d.log.WithFields(logrus.Fields{
		"format":  d.format,
		"blocks":  cmd.NumIRQDoorbells,
		"counter": cmd.NumCounters,
	}).Debug("Device resources configured")
	return desc.StatusPassed
}

func (d *Device) registerPageList(cmd *desc.RegisterPageList) desc.Status {
	switch {
	case cmd.ID == desc.RawAddressingQPLID || cmd.NumPages == 0 || cmd.PageSize != desc.PageSize:
		return desc.StatusInvalidArgument
	case d.qpls[cmd.ID] != nil:
		return desc.StatusAlreadyExists
	case d.registered+int(cmd.NumPages) > d.conf.MaxRegisteredPages:
		return desc.StatusResourceExhausted
	}
	list, ok := d.resolve(cmd.PageAddressListAddr, int(cmd.NumPages)*8)
	if !ok {
		return desc.StatusInvalidArgument
	}
	l := &pageList{id: cmd.ID, pages: make([]uint64, cmd.NumPages), index: make(map[uint64]int)}
	for i := range l.pages {
		bus := binary.BigEndian.Uint64(list[i*8:])
		if bus%desc.PageSize != 0 {
			return desc.StatusInvalidArgument
		}
		if _, ok := d.resolve(bus, desc.PageSize); !ok {
			return desc.StatusInvalidArgument
		}
		l.pages[i] = bus
		l.index[bus] = i
	}
	d.qpls[cmd.ID] = l
	d.registered += len(l.pages)
	return desc.StatusPassed
}

// queuePageList returns the page list a queue of the configured format
// names, nil for raw addressing.
func (d *Device) queuePageList(id uint32) (*pageList, desc.Status) {
	if !d.format.IsQPL() {
		if id != desc.RawAddressingQPLID {
			return nil, desc.StatusInvalidArgument
		}
		return nil, desc.StatusPassed
	}
	l, ok := d.qpls[id]
	if !ok {
		return nil, desc.StatusNotFound
	}
	return l, desc.StatusPassed
}

func validRing(n uint16) bool {
	return n > 0 && bits.OnesCount16(n) == 1
}

// assignDoorbell hands out the next queue doorbell and reports it in the
// queue resources area at res.
func (d *Device) assignDoorbell(res []byte, counter uint32, db doorbell) uint32 {
	idx := d.nextDB
	d.nextDB++
	d.doorbells[idx] = db
	qr := desc.QueueResources{DoorbellIndex: idx, CounterIndex: counter}
	qr.Encode(res)
	return idx
}

func (d *Device) createTx(cmd *desc.CreateTxQueue) desc.Status {
	switch {
	case !d.configured:
		return desc.StatusFailedPrecondition
	case cmd.QueueID >= uint32(d.conf.MaxQueues):
		return desc.StatusInvalidArgument
	case d.txq[cmd.QueueID] != nil:
		return desc.StatusAlreadyExists
	case int(cmd.NotifyID) >= len(d.blocks) || !validRing(cmd.TxRingSize):
		return desc.StatusInvalidArgument
	}
	l, st := d.queuePageList(cmd.QPLID)
	if st != desc.StatusPassed {
		return st
	}
	q := &txQueue{
		d:      d,
		id:     cmd.QueueID,
		format: d.format,
		notify: cmd.NotifyID,
		qpl:    l,
		size:   uint32(cmd.TxRingSize),
	}
	res, ok := d.resolve(cmd.QueueResourcesAddr, desc.QueueResourcesSize)
	if !ok {
		return desc.StatusInvalidArgument
	}
	if d.format.IsDQO() {
		complSize := cmd.TxCompRingSize
		if complSize == 0 {
			complSize = cmd.TxRingSize
		}
		if !validRing(complSize) {
			return desc.StatusInvalidArgument
		}
		q.complSize = uint32(complSize)
		q.ring, ok = d.resolve(cmd.TxRingAddr, int(q.size)*desc.TxDescSizeDQO)
		if ok {
			q.compl, ok = d.resolve(cmd.TxCompRingAddr, int(q.complSize)*desc.TxComplDescSizeDQO)
		}
		q.gen = true
	} else {
		q.counter = cmd.QueueID
		if int(q.counter)*4+4 > len(d.counters) {
			return desc.StatusResourceExhausted
		}
		q.ring, ok = d.resolve(cmd.TxRingAddr, int(q.size)*desc.TxDescSize)
		desc.PutEventCounter(d.counters[q.counter*4:], 0)
	}
	if !ok {
		return desc.StatusInvalidArgument
	}
	if l != nil {
		l.users++
	}
	q.dbIdx = d.assignDoorbell(res, q.counter, doorbell{tx: q})
	d.txq[cmd.QueueID] = q
	return desc.StatusPassed
}

func (d *Device) createRx(cmd *desc.CreateRxQueue) desc.Status {
	switch {
	case !d.configured:
		return desc.StatusFailedPrecondition
	case cmd.QueueID >= uint32(d.conf.MaxQueues):
		return desc.StatusInvalidArgument
	case d.rxq[cmd.QueueID] != nil:
		return desc.StatusAlreadyExists
	case int(cmd.NotifyID) >= len(d.blocks) || !validRing(cmd.RxRingSize):
		return desc.StatusInvalidArgument
	case cmd.PacketBufferSize == 0 || cmd.PacketBufferSize > desc.PageSize/2:
		return desc.StatusInvalidArgument
	}
	l, st := d.queuePageList(cmd.QPLID)
	if st != desc.StatusPassed {
		return st
	}
	q := &rxQueue{
		d:       d,
		id:      cmd.QueueID,
		format:  d.format,
		notify:  cmd.NotifyID,
		qpl:     l,
		bufSize: int(cmd.PacketBufferSize),
		size:    uint32(cmd.RxRingSize),
	}
	res, ok := d.resolve(cmd.QueueResourcesAddr, desc.QueueResourcesSize)
	if !ok {
		return desc.StatusInvalidArgument
	}
	if d.format.IsDQO() {
		if !validRing(cmd.RxBuffRingSize) || cmd.RxBuffRingSize > cmd.RxRingSize {
			return desc.StatusInvalidArgument
		}
		q.bufqSize = uint32(cmd.RxBuffRingSize)
		q.compl, ok = d.resolve(cmd.RxDescRingAddr, int(q.size)*desc.RxComplDescSizeDQO)
		if ok {
			q.bufq, ok = d.resolve(cmd.RxDataRingAddr, int(q.bufqSize)*desc.RxDescSizeDQO)
		}
		q.gen = true
	} else {
		if len(l.pages) < int(q.size) {
			return desc.StatusInvalidArgument
		}
		q.descRing, ok = d.resolve(cmd.RxDescRingAddr, int(q.size)*desc.RxDescSize)
		if ok {
			q.dataRing, ok = d.resolve(cmd.RxDataRingAddr, int(q.size)*desc.RxDataSlotSize)
		}
		q.seq = 1
	}
	if !ok {
		return desc.StatusInvalidArgument
	}
	if l != nil {
		l.users++
	}
	q.dbIdx = d.assignDoorbell(res, 0, doorbell{rx: q})
	d.rxq[cmd.QueueID] = q
	return desc.StatusPassed
}

// ptypeMap classifies the packet types this device reports.
func ptypeMap() *desc.PtypeMap {
	var m desc.PtypeMap
	for _, l3 := range []desc.L3Type{desc.L3Other, desc.L3IPv4, desc.L3IPv6} {
		for l4 := desc.L4Unknown; l4 <= desc.L4SCTP; l4++ {
			m[ptypeOf(l3, l4)] = desc.Ptype{L3: l3, L4: l4}
		}
	}
	return &m
}

func ptypeOf(l3 desc.L3Type, l4 desc.L4Type) uint16 {
	if l3 == desc.L3Unknown {
		return 0
	}
	return uint16(l3)<<3 | uint16(l4)
}
