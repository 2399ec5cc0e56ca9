// Package gpudata defines the contracts the gpuarray backend requires from
// its external collaborators: the device buffer allocator/context (an
// opaque heap with execution scoping and a per-buffer wait/record
// dependency protocol) and the compute-kernel compiler. It also carries
// the pieces shared by every dispatcher: the (buffer, byte-offset) region
// type with its centralized bounds check, the guarded-execution helper
// that wraps device work, and the error taxonomy.
//
// The package has no concrete device implementation; see package devsim
// for the pure-Go simulated one.
package gpudata

// Devptr is a raw device address. Arithmetic on device memory is always
// expressed as a buffer base plus a byte offset; see Region.
type Devptr uint64

// AccessMode describes how a pending device operation uses a buffer, for
// the wait/record dependency protocol.
type AccessMode int

const (
	// AccessRead marks a buffer read by the operation. Waiting with
	// AccessRead blocks on prior writers only.
	AccessRead AccessMode = 1 << iota
	// AccessWrite marks a buffer written by the operation. Waiting with
	// AccessWrite blocks on prior writers and readers.
	AccessWrite
)

// AccessAll marks a buffer both read and written by the operation.
const AccessAll = AccessRead | AccessWrite

// AllocFlags modify Context.Alloc behavior.
type AllocFlags int

const (
	// AllocInit requests the initial data be uploaded as part of the
	// allocation.
	AllocInit AllocFlags = 1 << iota
)

// Buffer is an opaque reference to a region of device memory. It is owned
// by the allocator, carries a byte size and an affinity to the context
// that allocated it, and never aliases across contexts.
type Buffer interface {
	// Context returns the context the buffer belongs to.
	Context() Context

	// Size returns the allocated size in bytes.
	Size() uint64

	// Ptr returns the raw device base address of the buffer.
	Ptr() Devptr

	// Write uploads src to the buffer starting at byte offset off.
	Write(off uint64, src []byte) error

	// Read downloads len(dst) bytes from the buffer starting at off.
	Read(off uint64, dst []byte) error

	// Release returns the buffer to the allocator.
	Release()
}

// Context owns one device's compute stream and the state this backend
// caches on it. One context per device.
//
// Enter/Exit bracket the issuance of device work; they may nest. Every
// Enter must be matched by an Exit even on failure paths.
//
// Wait and Record implement the per-buffer dependency protocol: before
// issuing work that reads a buffer, Wait(buf, AccessRead); before writing,
// Wait(buf, AccessWrite) or AccessAll. After the work is issued, Record
// with the same mode so later operations can order against it. Both must
// be called between Enter and Exit.
type Context interface {
	Enter()
	Exit()

	// Alloc obtains a buffer of size bytes from the heap. With AllocInit,
	// initial is uploaded in the same operation.
	Alloc(size uint64, initial []byte, flags AllocFlags) (Buffer, error)

	Wait(buf Buffer, mode AccessMode) error
	Record(buf Buffer, mode AccessMode) error

	// Retain and Release adjust the context reference count. A context is
	// not torn down while anything (e.g. a communicator) still holds a
	// reference.
	Retain()
	Release()

	// CommError and SetCommError access the per-context slot holding the
	// last communication-library error message.
	CommError() string
	SetCommError(msg string)
}
