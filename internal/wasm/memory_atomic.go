package wasm

import (
	"encoding/binary"
	"time"
)

// Results of Wait32 and Wait64, as pushed by memory.atomic.wait32 and memory.atomic.wait64.
const (
	WaitOK       = 0
	WaitNotEqual = 1
	WaitTimedOut = 2
)

// Wait32 blocks the calling goroutine until Notify wakes it for offset, or the timeout in nanoseconds elapses.
// A negative timeout never elapses. It returns WaitNotEqual immediately if the value at offset is not expected.
//
// The caller has checked bounds and alignment.
func (m *MemoryInstance) Wait32(offset uint32, expected uint32, timeout int64) uint32 {
	return m.wait(offset, timeout, func() bool {
		return binary.LittleEndian.Uint32(m.buffer[offset:]) == expected
	})
}

// Wait64 is Wait32 for an 8-byte value.
func (m *MemoryInstance) Wait64(offset uint32, expected uint64, timeout int64) uint32 {
	return m.wait(offset, timeout, func() bool {
		return binary.LittleEndian.Uint64(m.buffer[offset:]) == expected
	})
}

func (m *MemoryInstance) wait(offset uint32, timeout int64, matches func() bool) uint32 {
	m.Mux.Lock()
	if !matches() {
		m.Mux.Unlock()
		return WaitNotEqual
	}
	ch := make(chan struct{})
	if m.waiters == nil {
		m.waiters = map[uint32][]chan struct{}{}
	}
	m.waiters[offset] = append(m.waiters[offset], ch)
	m.Mux.Unlock()

	if timeout < 0 {
		<-ch
		return WaitOK
	}

	timer := time.NewTimer(time.Duration(timeout))
	defer timer.Stop()
	select {
	case <-ch:
		return WaitOK
	case <-timer.C:
	}

	m.Mux.Lock()
	defer m.Mux.Unlock()
	list := m.waiters[offset]
	for i, c := range list {
		if c == ch {
			m.waiters[offset] = append(list[:i], list[i+1:]...)
			if len(m.waiters[offset]) == 0 {
				delete(m.waiters, offset)
			}
			return WaitTimedOut
		}
	}
	// Notify removed us after the timer fired.
	return WaitOK
}

// Notify wakes up to count waiters on offset, oldest first, and returns how many were woken.
func (m *MemoryInstance) Notify(offset uint32, count uint32) uint32 {
	m.Mux.Lock()
	defer m.Mux.Unlock()
	list := m.waiters[offset]
	n := uint32(len(list))
	if count < n {
		n = count
	}
	for _, ch := range list[:n] {
		close(ch)
	}
	if rest := list[n:]; len(rest) > 0 {
		m.waiters[offset] = rest
	} else {
		delete(m.waiters, offset)
	}
	return n
}
