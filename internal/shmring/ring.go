// Package shmring implements the single-producer/single-consumer,
// memory-mapped ring buffer used to fan trade frames out to a co-located
// consumer process without going through the kernel's socket stack.
//
// Layout of the mapped region (§4.3):
//
//	offset 0   : u64 capacity   (set at creation, never changed)
//	offset 8   : u64 head       (atomic, producer-only writer)
//	offset 16  : u64 tail       (atomic, consumer-only writer)
//	offset 24  : [capacity]byte (payload ring)
package shmring

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/yourusername/perp-forwarder/internal/wire"
)

const headerSize = 24 // capacity(8) + head(8) + tail(8)

var (
	// ErrWouldBlock is returned by Push when the ring has no room for the
	// framed payload; the caller chooses whether to retry or drop.
	ErrWouldBlock = errors.New("shmring: would block, ring is full")
	// ErrFrameTooLarge is returned by Push when a single framed payload
	// can never fit the ring, regardless of how empty it is.
	ErrFrameTooLarge = errors.New("shmring: frame larger than ring capacity")
	// ErrLayoutMismatch is returned by Attach when the on-disk capacity
	// does not match the capacity the caller expects.
	ErrLayoutMismatch = errors.New("shmring: capacity mismatch on attach")
)

// Ring wraps a memory-mapped file as an SPSC byte queue. A Ring value must
// be used by exactly one producer goroutine and/or exactly one consumer
// goroutine, never both roles from more than one goroutine each.
type Ring struct {
	file     *os.File
	data     []byte
	capacity uint64

	// localHead/localTail cache this side's own index so the hot path
	// only issues one atomic load of the *other* side's index per call.
	localHead uint64
	localTail uint64
}

func regionSize(capacity uint64) int64 {
	return int64(headerSize + capacity)
}

// Create creates (or truncates and re-creates) the backing file at path
// and maps capacity bytes of payload space.
func Create(path string, capacity uint64) (*Ring, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("shmring: open %s: %w", path, err)
	}

	size := regionSize(capacity)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("shmring: truncate: %w", err)
	}

	r, err := mapFile(f, capacity)
	if err != nil {
		f.Close()
		return nil, err
	}

	atomic.StoreUint64(r.capacityPtr(), capacity)
	atomic.StoreUint64(r.headPtr(), 0)
	atomic.StoreUint64(r.tailPtr(), 0)
	return r, nil
}

// Attach opens an existing ring at path, verifying that its on-disk
// capacity matches the expected value.
func Attach(path string, expectedCapacity uint64) (*Ring, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("shmring: open %s: %w", path, err)
	}

	r, err := mapFile(f, expectedCapacity)
	if err != nil {
		f.Close()
		return nil, err
	}

	onDisk := atomic.LoadUint64(r.capacityPtr())
	if onDisk != expectedCapacity {
		r.Close()
		return nil, fmt.Errorf("%w: on-disk capacity %d, expected %d", ErrLayoutMismatch, onDisk, expectedCapacity)
	}
	r.localTail = atomic.LoadUint64(r.tailPtr())
	r.localHead = atomic.LoadUint64(r.headPtr())
	return r, nil
}

func mapFile(f *os.File, capacity uint64) (*Ring, error) {
	size := regionSize(capacity)
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmring: mmap: %w", err)
	}
	return &Ring{file: f, data: data, capacity: capacity}, nil
}

func (r *Ring) capacityPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.data[0]))
}

func (r *Ring) headPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.data[8]))
}

func (r *Ring) tailPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.data[16]))
}

func (r *Ring) payload() []byte {
	return r.data[headerSize:]
}

// Capacity returns the number of payload bytes the ring can hold.
func (r *Ring) Capacity() uint64 {
	return r.capacity
}

// Close unmaps the ring and closes the backing file descriptor. It does
// not unlink the file; the ring's lifetime is explicitly managed by the
// caller (§3: "unlinked only explicitly, never on process exit").
func (r *Ring) Close() error {
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return fmt.Errorf("shmring: munmap: %w", err)
		}
		r.data = nil
	}
	return r.file.Close()
}

// Unlink removes the backing file at path. It is the caller's
// responsibility to call this only after every producer and consumer has
// closed its mapping.
func Unlink(path string) error {
	return os.Remove(path)
}

// uvarintLen returns the number of bytes wire.PutUvarint would emit for n,
// without allocating.
func uvarintLen(n uint64) int {
	l := 1
	for n >= 0x80 {
		n >>= 7
		l++
	}
	return l
}

// Push frames payload with a leading unsigned varint length and writes it
// into the ring (§4.3 "Push (producer)"). Push must only ever be called
// from the single producer goroutine.
func (r *Ring) Push(payload []byte) error {
	prefixLen := uvarintLen(uint64(len(payload)))
	frameLen := uint64(prefixLen + len(payload))

	if frameLen > r.capacity {
		return ErrFrameTooLarge
	}

	tail := atomic.LoadUint64(r.tailPtr())
	head := r.localHead

	if head-tail+frameLen > r.capacity {
		return ErrWouldBlock
	}

	r.writeFramed(head, payload, prefixLen)

	newHead := head + frameLen
	r.localHead = newHead
	atomic.StoreUint64(r.headPtr(), newHead)
	return nil
}

func (r *Ring) writeFramed(at uint64, payload []byte, prefixLen int) {
	buf := make([]byte, 0, prefixLen+len(payload))
	buf = wire.PutUvarint(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	r.writeWrapped(at, buf)
}

func (r *Ring) writeWrapped(at uint64, buf []byte) {
	ring := r.payload()
	offset := at % r.capacity
	n := copy(ring[offset:], buf)
	if uint64(n) < uint64(len(buf)) {
		copy(ring[0:], buf[n:])
	}
}

func (r *Ring) readWrapped(at uint64, n int) []byte {
	ring := r.payload()
	offset := at % r.capacity
	out := make([]byte, n)
	first := copy(out, ring[offset:])
	if first < n {
		copy(out[first:], ring[0:])
	}
	return out
}

// Pop reads and removes one framed payload from the ring, returning nil,
// nil when the ring is currently empty (§4.3 "Pop (consumer)"). Pop must
// only ever be called from the single consumer goroutine.
func (r *Ring) Pop() ([]byte, error) {
	head := atomic.LoadUint64(r.headPtr())
	tail := r.localTail

	if head == tail {
		return nil, nil
	}

	available := head - tail
	prefixReadLen := maxVarintLen
	if available < uint64(prefixReadLen) {
		prefixReadLen = int(available)
	}
	lenPrefix := r.readWrapped(tail, prefixReadLen)
	length, prefixLen, err := wire.Uvarint(lenPrefix)
	if err == wire.ErrTruncated {
		// Length prefix itself not fully visible yet; guarded per §4.3
		// step 4, should not happen after a proper release/acquire pair.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("shmring: corrupt frame length: %w", err)
	}

	frameLen := uint64(prefixLen) + length
	if head-tail < frameLen {
		// Partial write still in flight from the producer's view;
		// guarded per §4.3 step 4, should not happen after a proper
		// release/acquire pair.
		return nil, nil
	}

	payload := r.readWrapped(tail+uint64(prefixLen), int(length))

	newTail := tail + frameLen
	r.localTail = newTail
	atomic.StoreUint64(r.tailPtr(), newTail)
	return payload, nil
}

const maxVarintLen = 10
