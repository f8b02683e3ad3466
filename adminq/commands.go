package adminq

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/dma"
	"github.com/romshark/gvnic/qpl"
)

func (q *AdminQueue) ConfigureDeviceResources(
	ctx context.Context, c *desc.ConfigureDeviceResources,
) error {
	if err := q.Execute(ctx, c); err != nil {
		return fmt.Errorf("configuring device resources: %w", err)
	}
	return nil
}

func (q *AdminQueue) DeconfigureDeviceResources(ctx context.Context) error {
	if err := q.Execute(ctx, &desc.DeconfigureDeviceResources{}); err != nil {
		return fmt.Errorf("deconfiguring device resources: %w", err)
	}
	return nil
}

// RegisterPageList tells the device about every page of l. The page address
// list only needs to live until the command completes.
func (q *AdminQueue) RegisterPageList(ctx context.Context, l *qpl.QPL) error {
	n := l.NumPages()
	r, err := q.dma.Alloc(n * 8)
	if err != nil {
		return fmt.Errorf("allocating page address list for qpl %d: %w", l.ID, err)
	}
	defer func() {
		if err := q.dma.Free(r); err != nil {
			q.log.WithError(err).Warn("Freeing page address list")
		}
	}()

	for i, p := range l.Pages() {
		binary.BigEndian.PutUint64(r.Mem[i*8:], p.Bus)
	}
	r.Sync(dma.SyncForDevice)

	err = q.Execute(ctx, &desc.RegisterPageList{
		ID:                  l.ID,
		NumPages:            uint32(n),
		PageAddressListAddr: r.Bus,
		PageSize:            qpl.PageSize,
	})
	if err != nil {
		return fmt.Errorf("registering qpl %d: %w", l.ID, err)
	}
	return nil
}

func (q *AdminQueue) UnregisterPageList(ctx context.Context, id uint32) error {
	if err := q.Execute(ctx, &desc.UnregisterPageList{ID: id}); err != nil {
		return fmt.Errorf("unregistering qpl %d: %w", id, err)
	}
	return nil
}

// batch issues every command and flushes once.
func batch[P desc.Payload](ctx context.Context, q *AdminQueue, cmds []P) error {
	if len(cmds) == 0 {
		return nil
	}
	if tail := q.eventCounter(); q.ring != nil && tail != q.prod {
		return fmt.Errorf("%w: %d admin commands already queued",
			ErrInvalid, q.prod-tail)
	}
	for _, c := range cmds {
		if err := q.Issue(ctx, c); err != nil {
			return err
		}
	}
	return q.Flush(ctx)
}

// CreateTxQueues creates all transmit queues with a single flush.
func (q *AdminQueue) CreateTxQueues(ctx context.Context, cmds []*desc.CreateTxQueue) error {
	if err := batch(ctx, q, cmds); err != nil {
		return fmt.Errorf("creating %d tx queues: %w", len(cmds), err)
	}
	return nil
}

// CreateRxQueues creates all receive queues with a single flush.
func (q *AdminQueue) CreateRxQueues(ctx context.Context, cmds []*desc.CreateRxQueue) error {
	if err := batch(ctx, q, cmds); err != nil {
		return fmt.Errorf("creating %d rx queues: %w", len(cmds), err)
	}
	return nil
}

func (q *AdminQueue) DestroyTxQueues(ctx context.Context, ids []uint32) error {
	cmds := make([]*desc.DestroyTxQueue, len(ids))
	for i, id := range ids {
		cmds[i] = &desc.DestroyTxQueue{QueueID: id}
	}
	if err := batch(ctx, q, cmds); err != nil {
		return fmt.Errorf("destroying %d tx queues: %w", len(ids), err)
	}
	return nil
}

func (q *AdminQueue) DestroyRxQueues(ctx context.Context, ids []uint32) error {
	cmds := make([]*desc.DestroyRxQueue, len(ids))
	for i, id := range ids {
		cmds[i] = &desc.DestroyRxQueue{QueueID: id}
	}
	if err := batch(ctx, q, cmds); err != nil {
		return fmt.Errorf("destroying %d rx queues: %w", len(ids), err)
	}
	return nil
}

func (q *AdminQueue) SetMTU(ctx context.Context, mtu int) error {
	err := q.Execute(ctx, &desc.SetDriverParameter{
		Type:  desc.ParamMTU,
		Value: uint64(mtu),
	})
	if err != nil {
		return fmt.Errorf("setting mtu %d: %w", mtu, err)
	}
	return nil
}

// ReportLinkSpeed returns the link speed in Mbit/s as reported by the device.
func (q *AdminQueue) ReportLinkSpeed(ctx context.Context) (uint64, error) {
	r, err := q.dma.Alloc(8)
	if err != nil {
		return 0, fmt.Errorf("allocating link speed buffer: %w", err)
	}
	defer func() { _ = q.dma.Free(r) }()

	if err := q.Execute(ctx, &desc.ReportLinkSpeed{Addr: r.Bus}); err != nil {
		return 0, fmt.Errorf("reporting link speed: %w", err)
	}
	r.Sync(dma.SyncForCPU)
	return binary.BigEndian.Uint64(r.Mem), nil
}

// GetPtypeMap fetches the DQO packet type lookup table.
func (q *AdminQueue) GetPtypeMap(ctx context.Context) (*desc.PtypeMap, error) {
	r, err := q.dma.Alloc(desc.PtypeMapSize)
	if err != nil {
		return nil, fmt.Errorf("allocating ptype map: %w", err)
	}
	defer func() { _ = q.dma.Free(r) }()

	err = q.Execute(ctx, &desc.GetPtypeMap{
		Len:  desc.PtypeMapSize,
		Addr: r.Bus,
	})
	if err != nil {
		return nil, fmt.Errorf("getting ptype map: %w", err)
	}
	r.Sync(dma.SyncForCPU)
	m := new(desc.PtypeMap)
	m.Decode(r.Mem)
	return m, nil
}
