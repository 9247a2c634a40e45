// SPDX-License-Identifier: MIT

package sandbox

import (
	"fmt"
	"net"
	"sync"
)

// subnetAllocator carves per-sandbox /24 segments out of the configured
// CIDR pool. Each sandbox network gets its own segment; segments return
// to the pool when the network is destroyed.
type subnetAllocator struct {
	mu    sync.Mutex
	base  net.IP
	ones  int
	count int // number of /24 segments available
	used  map[int]struct{}
	next  int
}

func newSubnetAllocator(cidr string) (*subnetAllocator, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("parse subnet pool %q: %w", cidr, err)
	}
	ones, bits := ipnet.Mask.Size()
	if bits != 32 || ones > 24 {
		return nil, fmt.Errorf("subnet pool %q must be an IPv4 prefix of /24 or wider", cidr)
	}
	return &subnetAllocator{
		base:  ipnet.IP.To4(),
		ones:  ones,
		count: 1 << (24 - ones),
		used:  make(map[int]struct{}),
	}, nil
}

// allocate returns an unused /24 segment, probing linearly from the last
// allocation point.
func (a *subnetAllocator) allocate() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < a.count; i++ {
		idx := (a.next + i) % a.count
		if _, taken := a.used[idx]; taken {
			continue
		}
		a.used[idx] = struct{}{}
		a.next = idx + 1
		return a.subnet(idx), nil
	}
	return "", fmt.Errorf("subnet pool exhausted (%d segments)", a.count)
}

// release returns a segment to the pool.
func (a *subnetAllocator) release(subnet string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for idx := range a.used {
		if a.subnet(idx) == subnet {
			delete(a.used, idx)
			return
		}
	}
}

func (a *subnetAllocator) subnet(idx int) string {
	ip := make(net.IP, 4)
	copy(ip, a.base)
	offset := uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
	offset += uint32(idx) << 8
	ip[0] = byte(offset >> 24)
	ip[1] = byte(offset >> 16)
	ip[2] = byte(offset >> 8)
	ip[3] = byte(offset)
	return fmt.Sprintf("%s/24", ip)
}

// inUse reports how many segments are currently allocated.
func (a *subnetAllocator) inUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}
