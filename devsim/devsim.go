// Package devsim is the pure-Go simulated device backend: a host-memory
// arena standing in for device memory, a dense-library engine computing
// with ordinary Go arithmetic, a compiler that interprets the fallback
// kernels, and an in-process collective engine rendezvousing ranks over
// shared memory. It exists so the dispatch, validation, ordering and
// lifetime logic of the backend is exercisable without hardware.
package devsim

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/gpuarray/gpudata"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// allocAlign is the alignment of every simulated device allocation.
const allocAlign = 256

// nextArenaBase hands out disjoint address ranges so device addresses
// never collide across contexts.
var nextArenaBase atomic.Uint64

func init() {
	nextArenaBase.Store(1 << 20)
}

// Context simulates one device: an arena of addressable memory with a
// bump allocator, execution-scope depth tracking, the wait/record
// protocol, a reference count and the communication-error slot.
//
// Alloc and Release counters plus allocation-failure injection support
// leak and error-path testing.
type Context struct {
	base uint64
	mem  []byte

	mu             sync.Mutex
	next           uint64
	failNextAllocs int
	commErr        string
	refs           int
	destroyed      bool

	depth     atomic.Int64
	allocs    atomic.Int64
	releases  atomic.Int64
	waits     atomic.Int64
	records   atomic.Int64
	uploadErr error
}

var _ gpudata.Context = (*Context)(nil)

// NewContext creates a simulated device with size bytes of memory. The
// context starts with one reference.
func NewContext(size uint64) *Context {
	span := (size + allocAlign - 1) &^ uint64(allocAlign-1)
	base := nextArenaBase.Add(span+allocAlign) - (span + allocAlign)
	return &Context{
		base: base,
		mem:  make([]byte, size),
		refs: 1,
	}
}

// Enter begins an execution scope. Scopes nest.
func (c *Context) Enter() {
	c.depth.Add(1)
}

// Exit ends the innermost execution scope.
func (c *Context) Exit() {
	if c.depth.Add(-1) < 0 {
		panic("devsim: Exit without matching Enter")
	}
}

// Depth returns the current execution-scope nesting depth.
func (c *Context) Depth() int {
	return int(c.depth.Load())
}

// FailNextAllocs makes the next n calls to Alloc fail, for error-path
// tests.
func (c *Context) FailNextAllocs(n int) {
	c.mu.Lock()
	c.failNextAllocs = n
	c.mu.Unlock()
}

// FailNextUpload makes buffer uploads fail with err until cleared with a
// nil err.
func (c *Context) FailNextUpload(err error) {
	c.mu.Lock()
	c.uploadErr = err
	c.mu.Unlock()
}

// Allocs returns the number of successful allocations.
func (c *Context) Allocs() int64 { return c.allocs.Load() }

// Releases returns the number of buffer releases.
func (c *Context) Releases() int64 { return c.releases.Load() }

// Live returns the number of buffers allocated and not yet released.
func (c *Context) Live() int64 { return c.allocs.Load() - c.releases.Load() }

// Refs returns the current reference count.
func (c *Context) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// Alloc carves a buffer out of the arena. With gpudata.AllocInit the
// initial bytes are uploaded as part of the allocation.
func (c *Context) Alloc(size uint64, initial []byte, flags gpudata.AllocFlags) (gpudata.Buffer, error) {
	c.mu.Lock()
	if c.failNextAllocs > 0 {
		c.failNextAllocs--
		c.mu.Unlock()
		return nil, errors.WithMessage(gpudata.ErrAllocation, "simulated allocation failure")
	}
	start := (c.next + allocAlign - 1) &^ uint64(allocAlign-1)
	if start+size > uint64(len(c.mem)) || start+size < start {
		c.mu.Unlock()
		return nil, errors.WithMessagef(gpudata.ErrAllocation,
			"arena exhausted: %d bytes requested, %d free", size, uint64(len(c.mem))-c.next)
	}
	c.next = start + size
	c.mu.Unlock()
	c.allocs.Add(1)

	b := &buffer{ctx: c, off: start, size: size}
	if flags&gpudata.AllocInit != 0 && initial != nil {
		if err := b.Write(0, initial); err != nil {
			b.Release()
			return nil, err
		}
	}
	return b, nil
}

// Wait blocks until pending operations conflicting with mode on buf have
// completed. The simulator issues work synchronously, so this only
// enforces the protocol: it must run inside an execution scope on a live
// buffer of this context.
func (c *Context) Wait(buf gpudata.Buffer, mode gpudata.AccessMode) error {
	if err := c.checkProtocol(buf, mode); err != nil {
		return err
	}
	c.waits.Add(1)
	return nil
}

// Record marks buf as used with mode by the operation just issued.
func (c *Context) Record(buf gpudata.Buffer, mode gpudata.AccessMode) error {
	if err := c.checkProtocol(buf, mode); err != nil {
		return err
	}
	c.records.Add(1)
	return nil
}

func (c *Context) checkProtocol(buf gpudata.Buffer, mode gpudata.AccessMode) error {
	if c.depth.Load() <= 0 {
		return errors.WithMessage(gpudata.ErrInvalidArgument,
			"buffer sync outside an execution scope")
	}
	if mode&gpudata.AccessAll == 0 {
		return errors.WithMessage(gpudata.ErrInvalidArgument, "empty access mode")
	}
	b, ok := buf.(*buffer)
	if !ok || b.ctx != c {
		return errors.WithMessage(gpudata.ErrInvalidArgument,
			"buffer belongs to a different context")
	}
	if b.released.Load() {
		return errors.WithMessage(gpudata.ErrInvalidArgument, "buffer already released")
	}
	return nil
}

// Retain adds a reference to the context.
func (c *Context) Retain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs++
}

// Release drops a reference; the last release tears the context down.
func (c *Context) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs--
	if c.refs < 0 {
		panic("devsim: context over-released")
	}
	if c.refs == 0 {
		c.destroyed = true
		klog.V(1).Infof("devsim: context destroyed, %d buffers leaked",
			c.allocs.Load()-c.releases.Load())
	}
}

// CommError returns the last communication-library error message.
func (c *Context) CommError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commErr
}

// SetCommError stores msg as the last communication-library error.
func (c *Context) SetCommError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commErr = msg
}

// bytesAt resolves a device address into the arena, returning the memory
// from the address to the end of the arena. Callers index within the
// extents their arguments describe; the dispatchers bounds-check against
// buffer sizes before any address reaches the simulator.
func (c *Context) bytesAt(p gpudata.Devptr) ([]byte, error) {
	off := uint64(p) - c.base
	if uint64(p) < c.base || off > uint64(len(c.mem)) {
		return nil, errors.WithMessagef(gpudata.ErrInvalidArgument,
			"address %#x outside the device arena", uint64(p))
	}
	return c.mem[off:], nil
}

// buffer is one arena allocation.
type buffer struct {
	ctx      *Context
	off      uint64
	size     uint64
	released atomic.Bool
}

var _ gpudata.Buffer = (*buffer)(nil)

func (b *buffer) Context() gpudata.Context { return b.ctx }
func (b *buffer) Size() uint64             { return b.size }

func (b *buffer) Ptr() gpudata.Devptr {
	return gpudata.Devptr(b.ctx.base + b.off)
}

func (b *buffer) Write(off uint64, src []byte) error {
	if b.released.Load() {
		return errors.WithMessage(gpudata.ErrInvalidArgument, "buffer already released")
	}
	b.ctx.mu.Lock()
	uploadErr := b.ctx.uploadErr
	b.ctx.mu.Unlock()
	if uploadErr != nil {
		return uploadErr
	}
	if off+uint64(len(src)) > b.size {
		return errors.WithMessagef(gpudata.ErrInvalidArgument,
			"write of %d bytes at offset %d exceeds buffer size %d", len(src), off, b.size)
	}
	copy(b.ctx.mem[b.off+off:], src)
	return nil
}

func (b *buffer) Read(off uint64, dst []byte) error {
	if b.released.Load() {
		return errors.WithMessage(gpudata.ErrInvalidArgument, "buffer already released")
	}
	if off+uint64(len(dst)) > b.size {
		return errors.WithMessagef(gpudata.ErrInvalidArgument,
			"read of %d bytes at offset %d exceeds buffer size %d", len(dst), off, b.size)
	}
	copy(dst, b.ctx.mem[b.off+off:b.off+off+uint64(len(dst))])
	return nil
}

// Release returns the buffer to the allocator. The bump allocator does
// not reuse the space; only the counters move. Idempotent releases are a
// bug and counted once.
func (b *buffer) Release() {
	if b.released.Swap(true) {
		klog.Errorf("devsim: double release of buffer at %#x", uint64(b.Ptr()))
		return
	}
	b.ctx.releases.Add(1)
}
