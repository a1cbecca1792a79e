package physmem

import (
	"context"
	"errors"
	"sync"
	"unsafe"

	"dbt/pkg/constants"
	dbterrors "dbt/pkg/errors"
)

// ErrBounceBusy is returned by Map when the range needs the bounce buffer
// and another mapping holds it. Register a map client to learn when to retry.
var ErrBounceBusy = errors.New("bounce buffer busy")

type bounceState struct {
	mu      sync.Mutex
	buf     []byte
	addr    uint64
	inUse   bool
	clients []*MapClient
}

func (b *bounceState) init() {
	b.buf = make([]byte, constants.TargetPageSize)
}

// MapClient is a callback waiting for the bounce buffer to be released
type MapClient struct {
	fn func()
}

// RegisterMapClient queues fn to run once, after the next Unmap of the
// bounce buffer. Clients run in registration order.
func (m *Memory) RegisterMapClient(fn func()) *MapClient {
	c := &MapClient{fn: fn}
	m.bounce.mu.Lock()
	m.bounce.clients = append(m.bounce.clients, c)
	m.bounce.mu.Unlock()
	return c
}

func (m *Memory) UnregisterMapClient(c *MapClient) {
	m.bounce.mu.Lock()
	defer m.bounce.mu.Unlock()
	for i, x := range m.bounce.clients {
		if x == c {
			m.bounce.clients = append(m.bounce.clients[:i], m.bounce.clients[i+1:]...)
			return
		}
	}
}

func (m *Memory) notifyMapClients() {
	m.bounce.mu.Lock()
	clients := m.bounce.clients
	m.bounce.clients = nil
	m.bounce.mu.Unlock()

	for _, c := range clients {
		c.fn()
	}
}

// Map returns a host view of up to n bytes of guest memory at addr. RAM is
// mapped in place for as long as it stays contiguous. A range starting
// outside RAM gets the single page-sized bounce buffer, filled first unless
// the mapping is for writing. The returned slice may be shorter than n.
func (m *Memory) Map(addr, n uint64, isWrite bool) ([]byte, error) {
	var out []byte
	for n > 0 {
		l := constants.TargetPageSize - addr&pageOffsetMask
		if l > n {
			l = n
		}
		mp := m.resolve(addr)
		if mp.slot != constants.IOMemRAM {
			if out != nil {
				break
			}
			return m.mapBounce(addr, l, isWrite)
		}

		ramAddr := mp.ramBase + addr&pageOffsetMask
		host, ok := m.ram.Host(ramAddr, l)
		if !ok {
			if out != nil {
				break
			}
			return nil, dbterrors.AccessErrorf(dbterrors.Unassigned, addr, int(l), isWrite, "no ram at offset 0x%x", ramAddr)
		}
		if out == nil {
			out = host
		} else {
			if unsafe.Pointer(&host[0]) != unsafe.Add(unsafe.Pointer(&out[0]), len(out)) {
				break
			}
			out = unsafe.Slice(&out[0], len(out)+len(host))
		}
		addr += l
		n -= l
	}
	return out, nil
}

func (m *Memory) mapBounce(addr, l uint64, isWrite bool) ([]byte, error) {
	m.bounce.mu.Lock()
	if m.bounce.inUse {
		m.bounce.mu.Unlock()
		return nil, ErrBounceBusy
	}
	m.bounce.inUse = true
	m.bounce.addr = addr
	buf := m.bounce.buf[:l]
	m.bounce.mu.Unlock()

	if !isWrite {
		if err := m.RW(addr, buf, false); err != nil {
			m.releaseBounce()
			return nil, err
		}
	}
	return buf, nil
}

// MapContext is Map that waits for the bounce buffer instead of failing
func (m *Memory) MapContext(ctx context.Context, addr, n uint64, isWrite bool) ([]byte, error) {
	for {
		ready := make(chan struct{})
		c := m.RegisterMapClient(func() { close(ready) })

		buf, err := m.Map(addr, n, isWrite)
		if !errors.Is(err, ErrBounceBusy) {
			m.UnregisterMapClient(c)
			return buf, err
		}

		select {
		case <-ready:
		case <-ctx.Done():
			m.UnregisterMapClient(c)
			return nil, ctx.Err()
		}
	}
}

// Unmap ends a mapping. For write mappings the first accessLen bytes count
// as written: bounced data is copied out, RAM is marked dirty and any code
// translated from it is invalidated.
func (m *Memory) Unmap(buf []byte, isWrite bool, accessLen uint64) error {
	if len(buf) == 0 {
		return nil
	}
	if accessLen > uint64(len(buf)) {
		accessLen = uint64(len(buf))
	}

	if m.isBounce(buf) {
		var err error
		if isWrite {
			err = m.RW(m.bounce.addr, buf[:accessLen], true)
		}
		m.releaseBounce()
		return err
	}

	if !isWrite {
		return nil
	}
	ramAddr, ok := m.ram.RAMAddrOf(buf)
	if !ok {
		return errors.New("unmap of memory that was not mapped")
	}
	for accessLen > 0 {
		l := constants.TargetPageSize - ramAddr&pageOffsetMask
		if l > accessLen {
			l = accessLen
		}
		if !m.ram.IsDirty(ramAddr) {
			if m.ram.DirtyFlags(ramAddr)&constants.CodeDirtyFlag == 0 {
				if w := m.codeWatcher(); w != nil {
					if err := w.CodeWritten(nil, ramAddr, int(l)); err != nil {
						return err
					}
				}
			}
			m.ram.SetDirtyFlags(ramAddr, constants.AllDirty&^constants.CodeDirtyFlag)
		}
		ramAddr += l
		accessLen -= l
	}
	return nil
}

func (m *Memory) isBounce(buf []byte) bool {
	m.bounce.mu.Lock()
	defer m.bounce.mu.Unlock()
	return m.bounce.inUse && &buf[0] == &m.bounce.buf[0]
}

func (m *Memory) releaseBounce() {
	m.bounce.mu.Lock()
	m.bounce.inUse = false
	m.bounce.mu.Unlock()
	m.notifyMapClients()
}
