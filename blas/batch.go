package blas

import (
	"encoding/binary"

	"github.com/gomlx/gpuarray/gpudata"
	"github.com/pkg/errors"
)

// pointerTable is the device-resident staging area for a batched call:
// one scratch buffer holding, per role (A, x, y / A, B, C), a packed
// array of raw per-batch device addresses. Exclusively owned by the call
// that built it; the caller releases it after the vendor call or kernel
// launch is issued, on success and error paths alike.
type pointerTable struct {
	scratch gpudata.Buffer
	roles   []gpudata.Devptr
}

// Role returns the device address of the i-th role's pointer array.
func (t *pointerTable) Role(i int) gpudata.Devptr {
	return t.roles[i]
}

// Release returns the scratch buffer to the allocator.
func (t *pointerTable) Release() {
	t.scratch.Release()
}

const devptrSize = 8

// stagePointerTables packs the given per-role device addresses into one
// host table, allocates a single scratch buffer sized for all roles
// concatenated, and uploads the table in one transfer.
//
// A failed allocation reports ErrAllocation; a failed upload releases the
// scratch buffer before returning, so no path leaks it.
func stagePointerTables(ctx gpudata.Context, roles ...[]gpudata.Devptr) (*pointerTable, error) {
	total := 0
	for _, role := range roles {
		total += len(role)
	}
	host := make([]byte, total*devptrSize)
	pos := 0
	for _, role := range roles {
		for _, p := range role {
			binary.LittleEndian.PutUint64(host[pos:], uint64(p))
			pos += devptrSize
		}
	}

	scratch, err := ctx.Alloc(uint64(len(host)), nil, 0)
	if err != nil {
		return nil, errors.WithMessagef(gpudata.ErrAllocation,
			"allocating %d bytes of pointer-table scratch: %v", len(host), err)
	}
	if err := scratch.Write(0, host); err != nil {
		scratch.Release()
		return nil, errors.WithMessagef(gpudata.ErrExecution,
			"uploading pointer table: %v", err)
	}

	t := &pointerTable{scratch: scratch, roles: make([]gpudata.Devptr, len(roles))}
	off := 0
	for i, role := range roles {
		t.roles[i] = scratch.Ptr() + gpudata.Devptr(off)
		off += len(role) * devptrSize
	}
	return t, nil
}

// regionPtrs collects the raw device addresses of a batch of regions.
func regionPtrs(regions []gpudata.Region) []gpudata.Devptr {
	ptrs := make([]gpudata.Devptr, len(regions))
	for i, r := range regions {
		ptrs[i] = r.Ptr()
	}
	return ptrs
}
