package disruption

import (
	"fmt"
	"net"
	"sync"
)

// PortAllocator hands out free TCP ports. A port is never handed out twice
// until it is released.
type PortAllocator struct {
	mu       sync.Mutex
	reserved map[int]bool
}

func NewPortAllocator() *PortAllocator {
	return &PortAllocator{reserved: map[int]bool{}}
}

// Reserve returns n distinct free ports.
func (a *PortAllocator) Reserve(n int) ([]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		out  []int
		held []net.Listener
	)
	defer func() {
		for _, ln := range held {
			_ = ln.Close()
		}
	}()

	for attempts := 0; len(out) < n; attempts++ {
		if attempts > n*50 {
			a.release(out...)
			return nil, fmt.Errorf("could not reserve %d ports", n)
		}
		ln, err := net.Listen("tcp", ":0")
		if err != nil {
			a.release(out...)
			return nil, fmt.Errorf("reserve port: %w", err)
		}
		// keep it bound until all are picked so the kernel hands out distinct ones
		held = append(held, ln)
		port := ln.Addr().(*net.TCPAddr).Port
		if a.reserved[port] {
			continue
		}
		a.reserved[port] = true
		out = append(out, port)
	}
	return out, nil
}

func (a *PortAllocator) Release(ports ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.release(ports...)
}

func (a *PortAllocator) release(ports ...int) {
	for _, p := range ports {
		delete(a.reserved, p)
	}
}

func (a *PortAllocator) Reserved() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reserved)
}
