//go:build linux

package simnic_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/gvnic/adminq"
	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/qpl"
	"github.com/romshark/gvnic/simnic"
)

func newDevice(t *testing.T, conf simnic.Config) (*simnic.Device, *adminq.AdminQueue) {
	t.Helper()
	log, _ := test.NewNullLogger()
	dev, err := simnic.New(conf, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	aq, err := adminq.New(dev.BAR0(), dev.DMA(), adminq.Config{
		PollInterval: time.Millisecond,
		MaxPolls:     3,
	}, log, nil)
	require.NoError(t, err)
	require.NoError(t, aq.Alloc())
	return dev, aq
}

// configure hands the device counters and notify blocks for n queue pairs.
func configure(t *testing.T, dev *simnic.Device, aq *adminq.AdminQueue, format desc.QueueFormat, n int) {
	t.Helper()
	counters, err := dev.DMA().Alloc(2 * n * 4)
	require.NoError(t, err)
	irqs, err := dev.DMA().Alloc((2*n + 1) * desc.IRQDoorbellStride)
	require.NoError(t, err)
	require.NoError(t, aq.ConfigureDeviceResources(context.Background(), &desc.ConfigureDeviceResources{
		CounterArrayAddr:    counters.Bus,
		IRQDoorbellAddr:     irqs.Bus,
		NumCounters:         uint32(2 * n),
		NumIRQDoorbells:     uint32(2*n + 1),
		IRQDoorbellStride:   desc.IRQDoorbellStride,
		NotifyBlockMSIXBase: 0,
		QueueFormat:         format,
	}))
	for i := range 2*n + 1 {
		assert.Equal(t, uint32(i), desc.IRQDoorbellIndex(irqs.Mem[i*desc.IRQDoorbellStride:]))
	}
}

func TestDescribeNegotiatesFormat(t *testing.T) {
	for _, format := range []desc.QueueFormat{
		desc.QueueFormatGQIQPL,
		desc.QueueFormatDQORDA,
		desc.QueueFormatDQOQPL,
	} {
		t.Run(format.String(), func(t *testing.T) {
			_, aq := newDevice(t, simnic.Config{
				Format:     format,
				ModifyRing: true,
				MaxMTU:     9000,
			})
			info, err := aq.DescribeDevice(context.Background())
			require.NoError(t, err)
			assert.Equal(t, format, info.Format)
			assert.Equal(t, simnic.DefaultMTU, info.MTU)
			assert.Equal(t, 9000, info.MaxMTU)
			assert.Equal(t, simnic.DefaultTxDescCnt, info.TxDescCount)
			assert.Equal(t, simnic.DefaultRxDescCnt, info.RxDescCount)
			assert.Equal(t, 64, info.MinTxDescCount)
			assert.Equal(t, 4096, info.MaxRxDescCount)
			assert.Equal(t, simnic.DefaultMaxQueues, info.DefaultNumQueues)
			assert.Equal(t, uint64(simnic.DefaultMaxRegisteredPages), info.MaxRegisteredPages)
			assert.Len(t, info.MAC, 6)
			if format == desc.QueueFormatDQOQPL {
				assert.Equal(t, simnic.DefaultTxDescCnt, info.TxCompRingEntries)
			}
		})
	}
}

func TestDescribeRejectsShortBuffer(t *testing.T) {
	dev, aq := newDevice(t, simnic.Config{})
	r, err := dev.DMA().Alloc(desc.PageSize)
	require.NoError(t, err)
	err = aq.Execute(context.Background(), &desc.DescribeDevice{
		DescriptorAddr:  r.Bus,
		Version:         desc.DeviceDescriptorVersion,
		AvailableLength: desc.DeviceDescriptorSize,
	})
	var se *adminq.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, desc.StatusOutOfRange, se.Status)
}

func TestLinkSpeedAndMTU(t *testing.T) {
	dev, aq := newDevice(t, simnic.Config{LinkSpeed: 50000, MaxMTU: 4000})
	ctx := context.Background()

	speed, err := aq.ReportLinkSpeed(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(50000), speed)
	assert.Equal(t, uint32(50000), dev.BAR0().ReadBE32(desc.RegLinkSpeed))
	assert.Equal(t, uint32(simnic.DefaultMaxQueues), dev.BAR0().ReadBE32(desc.RegMaxQueuePairs))

	require.NoError(t, aq.SetMTU(ctx, 4000))
	assert.Equal(t, 4000, dev.MTU())
	assert.ErrorIs(t, aq.SetMTU(ctx, 4001), adminq.ErrInvalid)
	assert.Equal(t, 4000, dev.MTU())
}

func TestPtypeMapOnlyForDQO(t *testing.T) {
	_, aq := newDevice(t, simnic.Config{})
	_, err := aq.GetPtypeMap(context.Background())
	assert.ErrorIs(t, err, adminq.ErrUnsupported)

	_, aq = newDevice(t, simnic.Config{Format: desc.QueueFormatDQORDA})
	m, err := aq.GetPtypeMap(context.Background())
	require.NoError(t, err)
	var tcp4 int
	for _, pt := range m {
		if pt == (desc.Ptype{L3: desc.L3IPv4, L4: desc.L4TCP}) {
			tcp4++
		}
	}
	assert.Equal(t, 1, tcp4)
}

func TestConfigure(t *testing.T) {
	dev, aq := newDevice(t, simnic.Config{Format: desc.QueueFormatDQOQPL})
	ctx := context.Background()

	// Queues cannot exist before resources are configured.
	err := aq.CreateTxQueues(ctx, []*desc.CreateTxQueue{{TxRingSize: 64}})
	assert.ErrorIs(t, err, adminq.ErrRetry)

	configure(t, dev, aq, desc.QueueFormatDQOQPL, 2)
	assert.Equal(t, desc.QueueFormatDQOQPL, dev.Format())

	err = aq.ConfigureDeviceResources(ctx, &desc.ConfigureDeviceResources{})
	assert.ErrorIs(t, err, adminq.ErrRetry, "already configured")

	require.NoError(t, aq.DeconfigureDeviceResources(ctx))
	configure(t, dev, aq, desc.QueueFormatGQIQPL, 1)
	assert.Equal(t, desc.QueueFormatGQIQPL, dev.Format())
}

func TestConfigureRejectsUnadvertisedFormat(t *testing.T) {
	dev, aq := newDevice(t, simnic.Config{})
	counters, err := dev.DMA().Alloc(64)
	require.NoError(t, err)
	err = aq.ConfigureDeviceResources(context.Background(), &desc.ConfigureDeviceResources{
		CounterArrayAddr:  counters.Bus,
		IRQDoorbellAddr:   counters.Bus,
		NumCounters:       1,
		NumIRQDoorbells:   1,
		IRQDoorbellStride: 4,
		QueueFormat:       desc.QueueFormatDQORDA,
	})
	assert.ErrorIs(t, err, adminq.ErrInvalid)
}

func TestPageListRegistration(t *testing.T) {
	dev, aq := newDevice(t, simnic.Config{MaxRegisteredPages: 8})
	ctx := context.Background()
	log, _ := test.NewNullLogger()
	alloc := qpl.NewAllocator(dev.DMA(), 64, log)

	l, err := alloc.Alloc(1, 4, true)
	require.NoError(t, err)
	require.NoError(t, aq.RegisterPageList(ctx, l))
	assert.Equal(t, 4, dev.RegisteredPages())

	err = aq.RegisterPageList(ctx, l)
	var se *adminq.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, desc.StatusAlreadyExists, se.Status)

	big, err := alloc.Alloc(2, 5, false)
	require.NoError(t, err)
	assert.ErrorIs(t, aq.RegisterPageList(ctx, big), adminq.ErrNoMemory)

	require.ErrorAs(t, aq.UnregisterPageList(ctx, 7), &se)
	assert.Equal(t, desc.StatusNotFound, se.Status)

	require.NoError(t, aq.UnregisterPageList(ctx, 1))
	assert.Zero(t, dev.RegisteredPages())
	require.NoError(t, aq.RegisterPageList(ctx, big))
}

func TestFailCommand(t *testing.T) {
	dev, aq := newDevice(t, simnic.Config{MaxMTU: 1500})
	ctx := context.Background()

	dev.FailCommand(desc.OpSetDriverParameter, desc.StatusUnavailable)
	err := aq.SetMTU(ctx, 1500)
	assert.ErrorIs(t, err, adminq.ErrRetry)
	assert.True(t, adminq.Retryable(err))
	assert.Equal(t, simnic.DefaultMTU, dev.MTU(), "failed command has no effect")

	dev.FailCommand(desc.OpSetDriverParameter, desc.StatusPassed)
	require.NoError(t, aq.SetMTU(ctx, 1500))
	assert.Equal(t, 1500, dev.MTU())
}

func TestStalledAdminQueueTimesOut(t *testing.T) {
	dev, aq := newDevice(t, simnic.Config{MaxMTU: 1500})
	ctx := context.Background()

	dev.StallAdmin(true)
	assert.ErrorIs(t, aq.SetMTU(ctx, 1500), adminq.ErrFlushTimeout)
	assert.Equal(t, 1, aq.Outstanding())

	// Unstalling executes what was rung meanwhile.
	dev.StallAdmin(false)
	assert.Zero(t, aq.Outstanding())
	assert.Equal(t, 1500, dev.MTU())
}

func TestReset(t *testing.T) {
	dev, aq := newDevice(t, simnic.Config{})
	ctx := context.Background()
	configure(t, dev, aq, desc.QueueFormatGQIQPL, 1)

	bar0 := dev.BAR0()
	assert.Equal(t, uint32(desc.DeviceStatusLinkStatus), bar0.ReadBE32(desc.RegDeviceStatus))
	dev.RequestReset()
	assert.NotZero(t, bar0.ReadBE32(desc.RegDeviceStatus)&desc.DeviceStatusReset)

	bar0.WriteBE32(desc.RegDriverStatus, desc.DriverStatusReset)
	assert.Zero(t, bar0.ReadBE32(desc.RegDeviceStatus)&desc.DeviceStatusReset)
	assert.Zero(t, bar0.ReadBE32(desc.RegAdminQueuePFN))
	assert.Equal(t, desc.QueueFormatUnspecified, dev.Format())
	assert.Equal(t, uint64(1), dev.Stats().Resets)

	// Releasing the admin queue resets the device as well.
	_, aq = newDevice(t, simnic.Config{})
	require.NoError(t, aq.Release(ctx))
	assert.False(t, aq.Allocated())
}

func TestDriverVersion(t *testing.T) {
	dev, _ := newDevice(t, simnic.Config{})
	for _, c := range []byte("gvnic-1.0\n") {
		dev.BAR0().Write8(desc.RegDriverVersion, c)
	}
	assert.Equal(t, "gvnic-1.0", dev.DriverVersion())
}

func TestLink(t *testing.T) {
	dev, _ := newDevice(t, simnic.Config{})
	dev.SetLink(false)
	assert.Zero(t, dev.BAR0().ReadBE32(desc.RegDeviceStatus)&desc.DeviceStatusLinkStatus)
	assert.False(t, dev.Inject(make([]byte, 64)))
	assert.Equal(t, uint64(1), dev.Stats().RxDropped)
}

func TestConfigValidation(t *testing.T) {
	for _, c := range []simnic.Config{
		{TxDescCnt: 100},
		{RxDescCnt: 8192},
		{MTU: 100},
		{MaxMTU: 10000},
		{Format: desc.QueueFormat(9)},
	} {
		_, err := simnic.New(c, nil)
		assert.Error(t, err, "%+v", c)
	}
}
