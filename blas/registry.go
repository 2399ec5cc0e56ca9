package blas

import (
	"sync"

	"github.com/gomlx/gpuarray/dtypes"
	"github.com/gomlx/gpuarray/gpudata"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// session is the per-context cached state: the vendor library handle bound
// to the context's stream and the precompiled fallback kernels. Shared
// read-only after Setup.
type session struct {
	handle Handle

	gemvBatchedNF32 gpudata.Kernel
	gemvBatchedTF32 gpudata.Kernel
	gemvBatchedNF64 gpudata.Kernel
	gemvBatchedTF64 gpudata.Kernel
	gerBatchedF32   gpudata.Kernel
	gerBatchedF64   gpudata.Kernel
}

func (s *session) gemvKernel(dt dtypes.DType, transA Transpose) gpudata.Kernel {
	if dt == dtypes.Float32 {
		if transA == NoTrans {
			return s.gemvBatchedNF32
		}
		return s.gemvBatchedTF32
	}
	if transA == NoTrans {
		return s.gemvBatchedNF64
	}
	return s.gemvBatchedTF64
}

func (s *session) gerKernel(dt dtypes.DType) gpudata.Kernel {
	if dt == dtypes.Float32 {
		return s.gerBatchedF32
	}
	return s.gerBatchedF64
}

// Registry owns the per-context sessions of one Engine/Compiler pair. It
// is the entry point for every dense operation; sessions are created
// lazily on first use of a context and torn down explicitly when the
// context is destroyed.
//
// There is no package-level registry: ownership of the context→session
// map is explicit.
type Registry struct {
	engine   Engine
	compiler gpudata.Compiler

	mu       sync.Mutex
	sessions map[gpudata.Context]*session
}

// NewRegistry creates a Registry dispatching to engine, compiling the
// fallback kernels with compiler.
func NewRegistry(engine Engine, compiler gpudata.Compiler) *Registry {
	return &Registry{
		engine:   engine,
		compiler: compiler,
		sessions: make(map[gpudata.Context]*session),
	}
}

// Setup creates the session for ctx: the vendor handle bound to the
// context's stream plus the fixed set of fallback kernels. No-op if the
// session already exists. On failure every partially created sub-resource
// is released in reverse order and the context is left untouched.
func (r *Registry) Setup(ctx gpudata.Context) error {
	_, err := r.session(ctx)
	return err
}

func (r *Registry) session(ctx gpudata.Context) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[ctx]; ok {
		return s, nil
	}

	ctx.Enter()
	defer ctx.Exit()

	// undo releases partially created sub-resources, last first.
	var undo []func()
	fail := func(err error) (*session, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return nil, err
	}

	s := &session{}
	var err error
	s.handle, err = r.engine.Init(ctx)
	if err != nil {
		return fail(errors.WithMessage(err, "creating dense library handle"))
	}
	undo = append(undo, func() {
		if cerr := s.handle.Close(); cerr != nil {
			klog.Errorf("closing dense library handle during setup unwind: %v", cerr)
		}
	})

	compile := func(dst *gpudata.Kernel, source, entry string, params []gpudata.ParamType, flags gpudata.KernelFlags) bool {
		if err != nil {
			return false
		}
		*dst, err = r.compiler.Compile(ctx, source, entry, params, flags)
		if err != nil {
			err = errors.WithMessagef(err, "compiling kernel %s", entry)
			return false
		}
		k := *dst
		undo = append(undo, func() {
			if ferr := k.Free(); ferr != nil {
				klog.Errorf("releasing kernel %s during setup unwind: %v", entry, ferr)
			}
		})
		return true
	}

	compile(&s.gemvBatchedNF32, srcGemvBatchedNF32, "sgemv", gemvBatchedParams, 0)
	compile(&s.gemvBatchedTF32, srcGemvBatchedTF32, "sgemv", gemvBatchedParams, 0)
	compile(&s.gemvBatchedNF64, srcGemvBatchedNF64, "dgemv", gemvBatchedParams, gpudata.KernelUseDouble)
	compile(&s.gemvBatchedTF64, srcGemvBatchedTF64, "dgemv", gemvBatchedParams, gpudata.KernelUseDouble)
	compile(&s.gerBatchedF32, srcGerBatchedF32, "_sgerBH_gen_small", gerBatchedParams(gpudata.ParamFloat32), 0)
	compile(&s.gerBatchedF64, srcGerBatchedF64, "_dgerBH_gen_small", gerBatchedParams(gpudata.ParamFloat64), gpudata.KernelUseDouble)
	if err != nil {
		return fail(err)
	}

	r.sessions[ctx] = s
	klog.V(1).Infof("blas: session created for context %p", ctx)
	return s, nil
}

// Teardown destroys the session of ctx: closes the vendor handle and
// releases the fallback kernels. No-op if ctx has no session; safe to
// call once per successful Setup. Must be called before the context is
// destroyed.
func (r *Registry) Teardown(ctx gpudata.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[ctx]
	if !ok {
		return
	}
	delete(r.sessions, ctx)

	ctx.Enter()
	defer ctx.Exit()
	if err := s.handle.Close(); err != nil {
		klog.Errorf("blas: closing dense library handle: %v", err)
	}
	for _, k := range []gpudata.Kernel{
		s.gemvBatchedNF32, s.gemvBatchedTF32,
		s.gemvBatchedNF64, s.gemvBatchedTF64,
		s.gerBatchedF32, s.gerBatchedF64,
	} {
		if err := k.Free(); err != nil {
			klog.Errorf("blas: releasing fallback kernel: %v", err)
		}
	}
	klog.V(1).Infof("blas: session destroyed for context %p", ctx)
}
