package gve

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/dma"
	"github.com/romshark/gvnic/workq"
)

// startService runs the service task and the ticker driving it until
// stopService is called.
func (d *Device) startService() {
	ctx, cancel := context.WithCancel(context.Background())
	d.stopService = cancel
	d.serviceDone = make(chan struct{})
	d.service = workq.New("service", false, func() { d.serve(ctx) })

	period := min(d.conf.ServiceInterval, d.conf.TxTimeoutCheck)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.service.Run(gctx) })
	g.Go(func() error {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-t.C:
				d.service.Enqueue()
			}
		}
	})
	go func() {
		defer close(d.serviceDone)
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			d.log.WithError(err).Error("Service task stopped")
		}
	}()
}

// serve is one run of the service task.
func (d *Device) serve(ctx context.Context) {
	d.ctl.Lock()
	defer d.ctl.Unlock()

	status := d.bar0.ReadBE32(desc.RegDeviceStatus)
	if d.resetPending.Load() || (d.up && status&desc.DeviceStatusReset != 0) {
		if status&desc.DeviceStatusReset != 0 {
			d.log.Info("Device requested reset")
		}
		if err := d.reset(ctx); err != nil {
			d.log.WithError(err).Error("Reset failed")
		}
		return
	}
	if !d.up {
		return
	}
	d.setLink(status&desc.DeviceStatusLinkStatus != 0)

	now := d.now()
	if now.Sub(d.lastTimeoutCheck) < d.conf.TxTimeoutCheck {
		return
	}
	d.lastTimeoutCheck = now
	q := d.nextTimeoutQueue % d.res.ntx
	d.nextTimeoutQueue = q + 1
	d.checkTimeout(ctx, q, now)
}

// checkTimeout kicks transmit queue q if packets are overdue. A queue that
// is still overdue within the cooldown of its last kick resets the device.
func (d *Device) checkTimeout(ctx context.Context, q int, now time.Time) {
	ring := d.res.tx[q]
	n := ring.Overdue(now, d.conf.TxTimeout)
	if n == 0 {
		return
	}
	d.txTimeouts.Add(1)
	log := d.log.WithFields(logrus.Fields{"queue": q, "overdue": n})
	if last := d.lastKick[q]; !last.IsZero() && now.Sub(last) < d.conf.TxTimeoutCooldown {
		log.WithError(ErrTxTimeout).Warn("Queue still stuck after kick")
		if err := d.reset(ctx); err != nil {
			d.log.WithError(err).Error("Reset failed")
		}
		return
	}
	log.Warn("TX timeout, kicking queue")
	d.lastKick[q] = now
	ring.Kick()
	d.res.blocks[q].task.Enqueue()
}

// teardown releases everything bring-up acquired. With graceful the
// queues are destroyed and page lists unregistered through the admin
// queue; otherwise, or if that fails, the device is reset instead. Every
// step skips what was never acquired, so teardown may run any number of
// times and after a partial bring-up.
func (d *Device) teardown(ctx context.Context, graceful bool) error {
	r := &d.res
	var errs []error

	d.data.Lock()
	d.up = false
	d.data.Unlock()
	d.blocks.Store(nil)
	for _, b := range r.blocks {
		if !b.dqo {
			b.bar2.WriteBE32(b.irqOff, desc.IRQMask)
		}
	}
	if r.tasks != nil {
		if err := r.tasks.Stop(); err != nil {
			errs = append(errs, err)
		}
		r.tasks = nil
	}
	r.blocks = nil

	if graceful && d.aq.Allocated() {
		if err := d.destroy(ctx); err != nil {
			d.log.WithError(err).Warn("Graceful teardown failed, resetting device")
			errs = append(errs, err)
			graceful = false
		}
	}
	if !graceful && d.aq.Allocated() {
		d.bar0.WriteBE32(desc.RegDriverStatus, desc.DriverStatusReset)
	}
	r.txCreated, r.rxCreated, r.registered, r.configured = nil, nil, nil, false

	d.data.Lock()
	for _, c := range r.lro {
		c.Flush()
	}
	d.retired.add(r)
	for _, ring := range r.tx {
		ring.Free()
	}
	for _, ring := range r.rx {
		ring.Free()
	}
	r.tx, r.rx, r.lro = nil, nil, nil
	d.data.Unlock()

	if r.qpls != nil {
		for _, l := range append(r.txQPLs, r.rxQPLs...) {
			if l != nil {
				r.qpls.Free(l)
			}
		}
	}
	r.txQPLs, r.rxQPLs = nil, nil
	for _, m := range []**dma.Region{&r.counters, &r.irqs} {
		if *m != nil {
			if err := d.bus.DMA().Free(*m); err != nil {
				errs = append(errs, err)
			}
			*m = nil
		}
	}
	r.ptypes = nil

	if err := d.aq.Release(ctx); err != nil {
		errs = append(errs, err)
	}
	d.adminTimedOut.Store(false)
	return errors.Join(errs...)
}

// destroy undoes the admin commands of bring-up in reverse order.
func (d *Device) destroy(ctx context.Context) error {
	r := &d.res
	if len(r.txCreated) > 0 {
		if err := d.aq.DestroyTxQueues(ctx, r.txCreated); err != nil {
			return err
		}
		r.txCreated = nil
	}
	if len(r.rxCreated) > 0 {
		if err := d.aq.DestroyRxQueues(ctx, r.rxCreated); err != nil {
			return err
		}
		r.rxCreated = nil
	}
	for len(r.registered) > 0 {
		id := r.registered[len(r.registered)-1]
		if err := d.aq.UnregisterPageList(ctx, id); err != nil {
			return err
		}
		r.registered = r.registered[:len(r.registered)-1]
	}
	if r.configured {
		if err := d.aq.DeconfigureDeviceResources(ctx); err != nil {
			return err
		}
		r.configured = false
	}
	return nil
}
