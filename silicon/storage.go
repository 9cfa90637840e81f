package silicon

import (
	"errors"
	"sync"
)

// ErrOutOfRange is returned when an access reaches past the storage capacity.
var ErrOutOfRange = errors.New("silicon: access beyond storage capacity")

// A Storage holds the bytes of an endpoint's memory or configuration space.
//
// Storage is managed in pages. A page that has never been touched is not
// allocated and reads as zero.
type Storage struct {
	lock     sync.Mutex
	pageSize uint64
	capacity uint64
	pages    map[uint64][]byte
}

// NewStorage creates a storage of the given capacity in bytes.
func NewStorage(capacity uint64) *Storage {
	return &Storage{
		pageSize: 4096,
		capacity: capacity,
		pages:    make(map[uint64][]byte),
	}
}

// Capacity returns the capacity in bytes.
func (s *Storage) Capacity() uint64 {
	return s.capacity
}

// Pages returns the number of allocated pages.
func (s *Storage) Pages() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.pages)
}

func (s *Storage) split(addr uint64) (base, offset uint64) {
	offset = addr % s.pageSize
	return addr - offset, offset
}

func (s *Storage) check(addr, n uint64) error {
	if addr+n > s.capacity || addr+n < addr {
		return ErrOutOfRange
	}

	return nil
}

// Read returns n bytes starting at addr.
func (s *Storage) Read(addr, n uint64) ([]byte, error) {
	if err := s.check(addr, n); err != nil {
		return nil, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	out := make([]byte, n)

	for done := uint64(0); done < n; {
		base, offset := s.split(addr + done)
		chunk := min(n-done, s.pageSize-offset)

		if page, ok := s.pages[base]; ok {
			copy(out[done:done+chunk], page[offset:offset+chunk])
		}

		done += chunk
	}

	return out, nil
}

// Write stores data starting at addr.
func (s *Storage) Write(addr uint64, data []byte) error {
	n := uint64(len(data))
	if err := s.check(addr, n); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	for done := uint64(0); done < n; {
		base, offset := s.split(addr + done)
		chunk := min(n-done, s.pageSize-offset)

		page, ok := s.pages[base]
		if !ok {
			page = make([]byte, s.pageSize)
			s.pages[base] = page
		}

		copy(page[offset:offset+chunk], data[done:done+chunk])
		done += chunk
	}

	return nil
}
