package gpudata

import "github.com/pkg/errors"

// Error taxonomy shared by the dense and collective dispatchers. Callers
// classify failures with errors.Is; the wrap chain carries the
// human-readable detail.
var (
	// ErrInvalidArgument reports a bad shape, bad flags, or a cross-context
	// buffer mismatch. Raised before any device work is issued.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSizeOverflow reports a dimension or leading dimension that does
	// not fit the signed 32-bit range of the vendor call convention.
	ErrSizeOverflow = errors.New("sizes would overflow the ints in the vendor library interface")

	// ErrDeviceUnsupported reports that the vendor library lacks a
	// required entry point or feature on this device or version.
	ErrDeviceUnsupported = errors.New("not supported by the device library")

	// ErrUnsupportedOperation reports a parameter combination the fallback
	// kernels do not implement (e.g. alpha != 1 for batched GEMV).
	ErrUnsupportedOperation = errors.New("operation parameters not supported")

	// ErrAllocation reports a failed scratch-buffer or handle allocation.
	ErrAllocation = errors.New("device allocation failed")

	// ErrComm reports a failure from the communication library; the
	// library-specific message is retrievable from the context
	// (Context.CommError).
	ErrComm = errors.New("communication error")

	// ErrExecution reports a failure from the numeric library.
	ErrExecution = errors.New("device execution failed")
)
