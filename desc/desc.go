// Package desc defines the bit-exact layouts shared with a gVNIC device:
// the BAR0 register map, admin queue command slots, the device descriptor
// with its option list, and the descriptor and completion formats of both
// queue formats (GQI and DQO).
//
// Every type encodes into and decodes from a caller-provided byte slice.
// Multi-byte fields are big-endian except for the DQO data-path formats,
// which are little-endian.
package desc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"unsafe"
)

var ErrShortBuffer = errors.New("buffer too short")

var (
	be = binary.BigEndian
	le = binary.LittleEndian
)

// PageSize is the device page granularity used for queue page lists and
// the admin queue ring.
const PageSize = 4096

// CacheLineSize is the alignment the device expects for header bytes in the
// GQI transmit FIFO and for notify block doorbells.
const CacheLineSize = 64

// QueueFormat selects the data-path descriptor format negotiated at
// describe-device time.
type QueueFormat uint8

const (
	QueueFormatUnspecified QueueFormat = 0
	QueueFormatGQIRDA      QueueFormat = 1
	QueueFormatGQIQPL      QueueFormat = 2
	QueueFormatDQORDA      QueueFormat = 3
	QueueFormatDQOQPL      QueueFormat = 4
)

func (f QueueFormat) String() string {
	switch f {
	case QueueFormatGQIRDA:
		return "GQI-RDA"
	case QueueFormatGQIQPL:
		return "GQI-QPL"
	case QueueFormatDQORDA:
		return "DQO-RDA"
	case QueueFormatDQOQPL:
		return "DQO-QPL"
	}
	return "unspecified"
}

// ParseQueueFormat accepts the names String returns, case-insensitively.
func ParseQueueFormat(s string) (QueueFormat, error) {
	for f := QueueFormatUnspecified; f <= QueueFormatDQOQPL; f++ {
		if strings.EqualFold(s, f.String()) {
			return f, nil
		}
	}
	return QueueFormatUnspecified, fmt.Errorf("unknown queue format %q", s)
}

func (f QueueFormat) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *QueueFormat) UnmarshalText(b []byte) error {
	v, err := ParseQueueFormat(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// IsDQO reports whether f uses split descriptor and completion rings.
func (f QueueFormat) IsDQO() bool {
	return f == QueueFormatDQORDA || f == QueueFormatDQOQPL
}

// IsQPL reports whether f bounces data through registered page lists.
func (f QueueFormat) IsQPL() bool {
	return f == QueueFormatGQIQPL || f == QueueFormatDQOQPL
}

// RawAddressingQPLID is passed as the page list id of queues that do not
// use a queue page list.
const RawAddressingQPLID = 0xFFFFFFFF

// LoadWord atomically reads the aligned 32-bit word at the start of b and
// returns its bytes in memory order. It is used to observe device-owned
// valid bits (generation, sequence number) before reading the rest of a slot.
func LoadWord(b []byte) [4]byte {
	var w [4]byte
	binary.NativeEndian.PutUint32(w[:], atomic.LoadUint32(wordPtr(b)))
	return w
}

// StoreWord atomically writes w to the aligned 32-bit word at the start of b.
// Device models write the word carrying the valid bit last.
func StoreWord(b []byte, w [4]byte) {
	atomic.StoreUint32(wordPtr(b), binary.NativeEndian.Uint32(w[:]))
}

// Publish copies an encoded slot src into device-shared memory dst, writing
// the 32-bit word at wordOff last and atomically. Readers that observe the
// valid bits in that word with LoadWord also observe the rest of the slot.
func Publish(dst, src []byte, wordOff int) {
	copy(dst[:wordOff], src[:wordOff])
	copy(dst[wordOff+4:len(src)], src[wordOff+4:])
	StoreWord(dst[wordOff:], [4]byte(src[wordOff:wordOff+4]))
}

func wordPtr(b []byte) *uint32 {
	_ = b[3]
	p := unsafe.Pointer(&b[0])
	if uintptr(p)%4 != 0 {
		panic("desc: unaligned word access")
	}
	return (*uint32)(p)
}
