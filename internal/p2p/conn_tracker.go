package p2p

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// connectionTracker rate limits inbound connection attempts per IP: a
// bounded number of simultaneous connections, and a minimum window between
// successive attempts from the same address.
type connectionTracker interface {
	AddConn(net.IP) error
	RemoveConn(net.IP)
	Len() int
}

type connTracker struct {
	mtx         sync.Mutex
	cache       map[string]uint
	lastConnect map[string]time.Time
	max         uint
	window      time.Duration
}

func newConnTracker(max uint, window time.Duration) connectionTracker {
	return &connTracker{
		cache:       make(map[string]uint),
		lastConnect: make(map[string]time.Time),
		max:         max,
		window:      window,
	}
}

func (ct *connTracker) AddConn(addr net.IP) error {
	address := addr.String()
	ct.mtx.Lock()
	defer ct.mtx.Unlock()

	if num := ct.cache[address]; num >= ct.max {
		return fmt.Errorf("%q has %d connections [max=%d]", address, num, ct.max)
	} else if num == 0 {
		// if there is no active connection, check whether one was
		// established within the window, and reject if so.
		if last := ct.lastConnect[address]; time.Since(last) < ct.window {
			return fmt.Errorf("%q tried to connect within window of last %s", address, ct.window)
		}
	}

	ct.cache[address]++
	ct.lastConnect[address] = time.Now()
	return nil
}

func (ct *connTracker) RemoveConn(addr net.IP) {
	address := addr.String()
	ct.mtx.Lock()
	defer ct.mtx.Unlock()

	if num := ct.cache[address]; num > 0 {
		ct.cache[address]--
	}
	if last, ok := ct.lastConnect[address]; ok && time.Since(last) > ct.window {
		delete(ct.lastConnect, address)
	}
}

func (ct *connTracker) Len() int {
	ct.mtx.Lock()
	defer ct.mtx.Unlock()
	return len(ct.cache)
}
