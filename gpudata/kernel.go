package gpudata

// ParamType describes one parameter of a compute kernel's signature.
type ParamType int

const (
	// ParamBuffer is a device memory argument (passed as a Devptr).
	ParamBuffer ParamType = iota
	// ParamSize is an unsigned size argument (passed as a uint64).
	ParamSize
	// ParamFloat32 is a float scalar argument.
	ParamFloat32
	// ParamFloat64 is a double scalar argument.
	ParamFloat64
)

// KernelFlags modify kernel compilation.
type KernelFlags int

const (
	// KernelUseDouble marks kernels requiring double-precision support on
	// the device.
	KernelUseDouble KernelFlags = 1 << iota
)

// Kernel is a compiled, invocable device program. Immutable after
// creation.
type Kernel interface {
	// Launch issues the kernel on the context's compute stream with the
	// given grid and block dimensions (one entry per axis, at most 3).
	// Args must match the parameter types declared at compile time:
	// Devptr for ParamBuffer, uint64 for ParamSize, float32/float64 for
	// the scalar types.
	Launch(grid, block []uint64, sharedBytes int, args []any) error

	// Free releases the compiled program.
	Free() error
}

// Compiler turns kernel source text into an invocable Kernel. This is the
// boundary with the kernel compiler/loader, an external collaborator.
type Compiler interface {
	Compile(ctx Context, source, entry string, params []ParamType, flags KernelFlags) (Kernel, error)
}
