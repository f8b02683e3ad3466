package gve

import (
	"errors"
	"fmt"
	"time"

	"github.com/romshark/gvnic/adminq"
	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/lro"
)

const (
	DefaultBudget            = 64
	DefaultTxTimeout         = 5 * time.Second
	DefaultTxTimeoutCheck    = time.Second
	DefaultTxTimeoutCooldown = 30 * time.Second
	DefaultServiceInterval   = 2 * time.Second

	DefaultTxPagesGQI = 128
	// Page list sizes of the DQO-QPL format.
	DefaultTxPagesDQO = 512
	DefaultRxPagesDQO = 2048

	// minTxPagesGQI keeps the GQI FIFO large enough for a maximal TSO
	// packet.
	minTxPagesGQI = 16

	// ethHdrLen is the Ethernet header the MTU does not cover.
	ethHdrLen = 14
)

var (
	ErrDown          = errors.New("device down")
	ErrNoSuchQueue   = errors.New("no such queue")
	ErrInvalidConfig = errors.New("invalid config")
	ErrFrameTooLong  = errors.New("frame exceeds mtu")
)

type Config struct {
	// NumTxQueues and NumRxQueues default to the device's default queue
	// count and are capped by its maximum.
	NumTxQueues int `yaml:"tx_queues"`
	NumRxQueues int `yaml:"rx_queues"`
	// TxDescCnt and RxDescCnt default to the device's ring sizes and are
	// clamped to the bounds it advertises.
	TxDescCnt int `yaml:"tx_desc_count"`
	RxDescCnt int `yaml:"rx_desc_count"`
	// MTU is set on the device after bring-up unless zero.
	MTU int `yaml:"mtu"`

	// Copybreak is the largest received packet copied out of its buffer.
	// Negative disables copying.
	Copybreak int        `yaml:"rx_copybreak"`
	LRO       bool       `yaml:"lro"`
	LROConfig lro.Config `yaml:"lro_config"`

	// Budget is how many completions a cleanup run handles before it
	// yields.
	Budget int `yaml:"budget"`

	TxTimeout time.Duration `yaml:"tx_timeout"`
	// TxTimeoutCheck is how often one transmit queue is checked for
	// overdue packets.
	TxTimeoutCheck time.Duration `yaml:"tx_timeout_check"`
	// TxTimeoutCooldown is how long after a kick a queue that is still
	// overdue resets the device instead of being kicked again.
	TxTimeoutCooldown time.Duration `yaml:"tx_timeout_cooldown"`

	// ServiceInterval is how often link status and reset requests are
	// polled.
	ServiceInterval time.Duration `yaml:"service_interval"`

	AdminQueue adminq.Config `yaml:"admin_queue"`

	// TxPagesGQI sizes the FIFO of a GQI transmit queue.
	TxPagesGQI int `yaml:"tx_pages_gqi"`
	TxPagesDQO int `yaml:"tx_pages_dqo"`
	RxPagesDQO int `yaml:"rx_pages_dqo"`

	// LockOSThread wires every cleanup task to its own OS thread.
	LockOSThread bool `yaml:"lock_os_thread"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.NumTxQueues < 0 || c.NumRxQueues < 0 {
		return fmt.Errorf("%w: negative queue count", ErrInvalidConfig)
	}
	for _, n := range []int{c.TxDescCnt, c.RxDescCnt} {
		if n < 0 || n&(n-1) != 0 {
			return fmt.Errorf("%w: ring size %d not a power of two", ErrInvalidConfig, n)
		}
	}
	if c.MTU < 0 || c.Budget < 0 || c.TxPagesGQI < 0 || c.TxPagesDQO < 0 || c.RxPagesDQO < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalidConfig)
	}
	if c.Budget == 0 {
		c.Budget = DefaultBudget
	}
	if c.TxTimeout == 0 {
		c.TxTimeout = DefaultTxTimeout
	}
	if c.TxTimeoutCheck == 0 {
		c.TxTimeoutCheck = DefaultTxTimeoutCheck
	}
	if c.TxTimeoutCooldown == 0 {
		c.TxTimeoutCooldown = DefaultTxTimeoutCooldown
	}
	if c.ServiceInterval == 0 {
		c.ServiceInterval = DefaultServiceInterval
	}
	if c.TxPagesGQI == 0 {
		c.TxPagesGQI = DefaultTxPagesGQI
	}
	c.TxPagesGQI = max(c.TxPagesGQI, minTxPagesGQI)
	if c.TxPagesDQO == 0 {
		c.TxPagesDQO = DefaultTxPagesDQO
	}
	if c.RxPagesDQO == 0 {
		c.RxPagesDQO = DefaultRxPagesDQO
	}
	if c.RxPagesDQO > desc.RxMaxBufIDDQO+1 {
		return fmt.Errorf("%w: %d receive pages exceed the buffer id space", ErrInvalidConfig, c.RxPagesDQO)
	}
	if c.TxTimeout < 0 || c.TxTimeoutCheck < 0 || c.TxTimeoutCooldown < 0 || c.ServiceInterval < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	return c.AdminQueue.ValidateAndSetDefaults()
}
