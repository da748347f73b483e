// Package shm maps the memory segment that holds the cache index.
//
// A segment is either backed by a file (shared by every process that opens
// the same path) or anonymous (private to one process). It is divided into a
// fixed header followed by equally sized slots handed out by a free-list
// allocator. Slot ids start at 1; 0 means "no slot".
//
// All slot and header access must happen between Lock and Unlock. The lock
// combines an in-process mutex with flock(2) on the segment file, so it
// serialises goroutines and processes alike.
package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// HeaderSize is the number of bytes reserved at the start of a segment.
	HeaderSize = 256
	// MetaOffset is where the caller-owned area of the header starts.
	MetaOffset = 64

	magic = 0x66637a31 // "fcz1"
)

// header layout
const (
	hdrMagic    = 0
	hdrSlotSize = 4
	hdrSlots    = 8
	hdrFreeHead = 12
	hdrUsed     = 16
	hdrBrk      = 20
)

var (
	// ErrNoSpace is returned by Alloc when every slot is in use.
	ErrNoSpace = errors.New("shm: no free slots")
	// ErrSegmentTooSmall is returned when the requested size cannot hold a single slot.
	ErrSegmentTooSmall = errors.New("shm: segment too small")
	// ErrMismatch is returned when attaching to a segment created with other parameters.
	ErrMismatch = errors.New("shm: segment parameters mismatch")
)

var le = binary.LittleEndian

// Segment is a mapped memory region divided into fixed-size slots.
type Segment struct {
	mu       sync.Mutex
	data     []byte
	slotSize int
	slots    uint32
	file     *os.File
	users    *os.File
	fresh    bool
}

// Open maps a segment of size bytes split into slots of slotSize bytes.
// An empty path creates an anonymous segment.
//
// For file backed segments every process keeps a shared flock on
// "<path>.users". The opener that can take that lock exclusively is the only
// live user, so it reinitialises the segment; Fresh reports that case.
func Open(path string, size, slotSize int) (*Segment, error) {
	if slotSize < 8 || size < HeaderSize+slotSize {
		return nil, ErrSegmentTooSmall
	}
	s := &Segment{
		slotSize: slotSize,
		slots:    uint32((size - HeaderSize) / slotSize),
	}

	if path == "" {
		data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("shm: mmap anonymous segment: %w", err)
		}
		s.data = data
		s.fresh = true
		s.init()
		return s, nil
	}

	users, err := os.OpenFile(path+".users", os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open users file: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		users.Close()
		return nil, fmt.Errorf("shm: open segment: %w", err)
	}
	s.file, s.users = f, users

	s.fresh = flock(users, unix.LOCK_EX|unix.LOCK_NB) == nil
	if s.fresh {
		if err := f.Truncate(0); err == nil {
			err = f.Truncate(int64(size))
		}
		if err != nil {
			s.closeFiles()
			return nil, fmt.Errorf("shm: size segment: %w", err)
		}
	} else if err := flock(users, unix.LOCK_SH); err != nil {
		s.closeFiles()
		return nil, fmt.Errorf("shm: attach: %w", err)
	}

	if fi, err := f.Stat(); err != nil {
		s.closeFiles()
		return nil, err
	} else if fi.Size() != int64(size) {
		s.closeFiles()
		return nil, fmt.Errorf("%w: size %d, want %d", ErrMismatch, fi.Size(), size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		s.closeFiles()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	s.data = data

	if s.fresh {
		s.Lock()
		s.init()
		s.Unlock()
		// downgrade so that later openers attach instead of reinitialising
		if err := flock(users, unix.LOCK_SH); err != nil {
			s.Close()
			return nil, fmt.Errorf("shm: downgrade users lock: %w", err)
		}
		return s, nil
	}

	s.Lock()
	defer s.Unlock()
	if le.Uint32(s.data[hdrMagic:]) != magic ||
		int(le.Uint32(s.data[hdrSlotSize:])) != slotSize ||
		le.Uint32(s.data[hdrSlots:]) != s.slots {
		s.munmap()
		s.closeFiles()
		return nil, ErrMismatch
	}
	return s, nil
}

func (s *Segment) init() {
	clear(s.data[:HeaderSize])
	le.PutUint32(s.data[hdrMagic:], magic)
	le.PutUint32(s.data[hdrSlotSize:], uint32(s.slotSize))
	le.PutUint32(s.data[hdrSlots:], s.slots)
	le.PutUint32(s.data[hdrBrk:], 1)
}

// Fresh reports whether this Open initialised the segment.
func (s *Segment) Fresh() bool { return s.fresh }

// Slots returns the slot capacity.
func (s *Segment) Slots() uint32 { return s.slots }

// Used returns the number of allocated slots. Caller must hold the lock.
func (s *Segment) Used() uint32 { return le.Uint32(s.data[hdrUsed:]) }

// Meta returns the caller-owned part of the segment header.
func (s *Segment) Meta() []byte { return s.data[MetaOffset:HeaderSize] }

// Slot returns the bytes of slot id.
func (s *Segment) Slot(id uint32) []byte {
	off := HeaderSize + int(id-1)*s.slotSize
	return s.data[off : off+s.slotSize : off+s.slotSize]
}

// Alloc hands out a zeroed slot. Caller must hold the lock.
func (s *Segment) Alloc() (uint32, error) {
	id := le.Uint32(s.data[hdrFreeHead:])
	if id != 0 {
		le.PutUint32(s.data[hdrFreeHead:], le.Uint32(s.Slot(id)))
	} else {
		id = le.Uint32(s.data[hdrBrk:])
		if id > s.slots {
			return 0, ErrNoSpace
		}
		le.PutUint32(s.data[hdrBrk:], id+1)
	}
	clear(s.Slot(id))
	le.PutUint32(s.data[hdrUsed:], s.Used()+1)
	return id, nil
}

// Free returns slot id to the allocator. Caller must hold the lock.
func (s *Segment) Free(id uint32) {
	b := s.Slot(id)
	clear(b)
	le.PutUint32(b, le.Uint32(s.data[hdrFreeHead:]))
	le.PutUint32(s.data[hdrFreeHead:], id)
	le.PutUint32(s.data[hdrUsed:], s.Used()-1)
}

// Lock acquires the segment mutex for this goroutine and, for file backed
// segments, for this process.
//
// Lock panics if the segment is closed or flock(2) fails. flock on an open
// descriptor only fails when the kernel runs out of lock records; callers
// must not touch the shared index without the lock, so like a corrupted
// sync.Mutex this cannot be handled on the request path.
func (s *Segment) Lock() {
	s.mu.Lock()
	if s.data == nil {
		s.mu.Unlock()
		panic("shm: lock of closed segment")
	}
	if s.file != nil {
		if err := flock(s.file, unix.LOCK_EX); err != nil {
			s.mu.Unlock()
			panic(fmt.Sprintf("shm: lock segment: %v", err))
		}
	}
}

// Unlock releases the segment mutex.
func (s *Segment) Unlock() {
	if s.file != nil {
		if err := flock(s.file, unix.LOCK_UN); err != nil {
			s.mu.Unlock()
			panic(fmt.Sprintf("shm: unlock segment: %v", err))
		}
	}
	s.mu.Unlock()
}

// Close unmaps the segment and releases the files and their locks.
func (s *Segment) Close() error {
	err := s.munmap()
	if cerr := s.closeFiles(); err == nil {
		err = cerr
	}
	return err
}

func (s *Segment) munmap() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	return err
}

func (s *Segment) closeFiles() error {
	var err error
	if s.file != nil {
		err = s.file.Close()
		s.file = nil
	}
	if s.users != nil {
		if cerr := s.users.Close(); err == nil {
			err = cerr
		}
		s.users = nil
	}
	return err
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			return err
		}
	}
}
