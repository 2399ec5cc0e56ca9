package devsim

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/chewxy/math32"
	"github.com/gomlx/gpuarray/comm"
	"github.com/gomlx/gpuarray/dtypes"
	"github.com/gomlx/gpuarray/gpudata"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// CommEngine is the in-process collective library: a clique is a set of
// goroutines, one per simulated device, rendezvousing over a shared
// exchange structure. Collectives block until every rank of the clique
// has issued the matching call, like the real thing blocks the stream.
type CommEngine struct {
	mu     sync.Mutex
	worlds map[comm.CliqueID]*world
}

var _ comm.Engine = (*CommEngine)(nil)

// NewCommEngine creates an in-process collective engine. Cliques only
// form among communicators created through the same engine.
func NewCommEngine() *CommEngine {
	return &CommEngine{worlds: make(map[comm.CliqueID]*world)}
}

// GenerateCliqueID returns a fresh random identifier.
func (e *CommEngine) GenerateCliqueID(ctx gpudata.Context) (comm.CliqueID, error) {
	var id comm.CliqueID
	u := uuid.New()
	copy(id[:], u[:])
	return id, nil
}

// Wire codes follow the vendor enum layout.
var wireTypes = map[dtypes.DType]int32{
	dtypes.Int8:    0,
	dtypes.Int32:   2,
	dtypes.Int64:   4,
	dtypes.Uint64:  5,
	dtypes.Float16: 6,
	dtypes.Float32: 7,
	dtypes.Float64: 8,
}

var wireDTypes = func() map[int32]dtypes.DType {
	m := make(map[int32]dtypes.DType, len(wireTypes))
	for dt, w := range wireTypes {
		m[w] = dt
	}
	return m
}()

// DataType maps a dtype to its wire code.
func (e *CommEngine) DataType(dt dtypes.DType) (int32, bool) {
	w, ok := wireTypes[dt]
	return w, ok
}

// ReduceOpCode maps a reduction to its wire code.
func (e *CommEngine) ReduceOpCode(op comm.ReduceOp) (int32, bool) {
	switch op {
	case comm.ReduceSum, comm.ReduceProd, comm.ReduceMax, comm.ReduceMin:
		return int32(op), true
	}
	return 0, false
}

// InitRank joins the clique identified by id, blocking until all ndev
// ranks have joined.
func (e *CommEngine) InitRank(ctx gpudata.Context, id comm.CliqueID, ndev, rank int) (comm.Handle, error) {
	c, ok := ctx.(*Context)
	if !ok {
		return nil, errors.WithMessage(gpudata.ErrInvalidArgument,
			"context is not a simulated device")
	}

	e.mu.Lock()
	w, ok := e.worlds[id]
	if !ok {
		w = newWorld(id, ndev)
		e.worlds[id] = w
	}
	e.mu.Unlock()

	h := &commHandle{engine: e, world: w, ctx: c, rank: rank}
	if err := w.join(h, ndev, rank); err != nil {
		return nil, err
	}
	return h, nil
}

func (e *CommEngine) dropWorld(id comm.CliqueID) {
	e.mu.Lock()
	delete(e.worlds, id)
	e.mu.Unlock()
}

// world is the rendezvous state of one clique.
type world struct {
	id   comm.CliqueID
	ndev int

	mu     sync.Mutex
	cond   *sync.Cond
	joined int
	left   int

	gen     uint64
	contrib [][]byte
	arrived int
	last    [][]byte
}

func newWorld(id comm.CliqueID, ndev int) *world {
	w := &world{id: id, ndev: ndev, contrib: make([][]byte, ndev)}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *world) join(h *commHandle, ndev, rank int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ndev != w.ndev {
		return errors.Errorf("clique size mismatch: joined with %d devices, clique has %d",
			ndev, w.ndev)
	}
	if w.contribTakenLocked(rank) {
		return errors.Errorf("rank %d already joined this clique", rank)
	}
	w.joined++
	w.cond.Broadcast()
	for w.joined < w.ndev {
		w.cond.Wait()
	}
	return nil
}

// contribTakenLocked tracks joined ranks in the contrib slots before the
// first exchange: a joined rank marks its slot with an empty non-nil
// payload.
func (w *world) contribTakenLocked(rank int) bool {
	if rank < 0 || rank >= w.ndev {
		return true
	}
	if w.contrib[rank] != nil {
		return true
	}
	w.contrib[rank] = []byte{}
	return false
}

func (w *world) leave() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.left++
	return w.left == w.ndev
}

// exchange deposits one rank's payload and blocks until every rank has
// deposited, then returns the full round of contributions in rank order.
func (w *world) exchange(rank int, payload []byte) [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	gen := w.gen
	w.contrib[rank] = payload
	w.arrived++
	if w.arrived == w.ndev {
		w.last = w.contrib
		w.contrib = make([][]byte, w.ndev)
		w.arrived = 0
		w.gen++
		w.cond.Broadcast()
		return w.last
	}
	for w.gen == gen {
		w.cond.Wait()
	}
	return w.last
}

// commHandle is one rank's vendor communicator.
type commHandle struct {
	engine    *CommEngine
	world     *world
	ctx       *Context
	rank      int
	destroyed bool
}

var _ comm.Handle = (*commHandle)(nil)

func (h *commHandle) Count() int { return h.world.ndev }

func (h *commHandle) Rank() int { return h.rank }

func (h *commHandle) Destroy() error {
	if h.destroyed {
		return errors.New("communicator already destroyed")
	}
	h.destroyed = true
	if h.world.leave() {
		h.engine.dropWorld(h.world.id)
	}
	return nil
}

func (h *commHandle) check(wireType int32) (dtypes.DType, error) {
	if h.destroyed {
		return dtypes.Invalid, errors.New("communicator already destroyed")
	}
	dt, ok := wireDTypes[wireType]
	if !ok {
		return dtypes.Invalid, errors.Errorf("unknown wire data type %d", wireType)
	}
	return dt, nil
}

func (h *commHandle) grab(p gpudata.Devptr, bytes int) ([]byte, error) {
	mem, err := h.ctx.bytesAt(p)
	if err != nil {
		return nil, err
	}
	if len(mem) < bytes {
		return nil, errors.Errorf("operand of %d bytes runs past the arena", bytes)
	}
	return mem[:bytes], nil
}

func (h *commHandle) Reduce(src, dst gpudata.Devptr, count int, wireType, wireOp int32, root int) error {
	dt, err := h.check(wireType)
	if err != nil {
		return err
	}
	bytes := count * dt.Size()
	sb, err := h.grab(src, bytes)
	if err != nil {
		return err
	}
	contribs := h.world.exchange(h.rank, append([]byte(nil), sb...))
	if h.rank != root {
		return nil
	}
	db, err := h.grab(dst, bytes)
	if err != nil {
		return err
	}
	return foldInto(db, contribs, dt, wireOp)
}

func (h *commHandle) AllReduce(src, dst gpudata.Devptr, count int, wireType, wireOp int32) error {
	dt, err := h.check(wireType)
	if err != nil {
		return err
	}
	bytes := count * dt.Size()
	sb, err := h.grab(src, bytes)
	if err != nil {
		return err
	}
	contribs := h.world.exchange(h.rank, append([]byte(nil), sb...))
	db, err := h.grab(dst, bytes)
	if err != nil {
		return err
	}
	return foldInto(db, contribs, dt, wireOp)
}

func (h *commHandle) ReduceScatter(src, dst gpudata.Devptr, count int, wireType, wireOp int32) error {
	dt, err := h.check(wireType)
	if err != nil {
		return err
	}
	chunk := count * dt.Size()
	sb, err := h.grab(src, chunk*h.world.ndev)
	if err != nil {
		return err
	}
	contribs := h.world.exchange(h.rank, append([]byte(nil), sb...))
	full := make([]byte, chunk*h.world.ndev)
	if err := foldInto(full, contribs, dt, wireOp); err != nil {
		return err
	}
	db, err := h.grab(dst, chunk)
	if err != nil {
		return err
	}
	copy(db, full[h.rank*chunk:])
	return nil
}

func (h *commHandle) Broadcast(buf gpudata.Devptr, count int, wireType int32, root int) error {
	dt, err := h.check(wireType)
	if err != nil {
		return err
	}
	bytes := count * dt.Size()
	bb, err := h.grab(buf, bytes)
	if err != nil {
		return err
	}
	contribs := h.world.exchange(h.rank, append([]byte(nil), bb...))
	if root < 0 || root >= len(contribs) {
		return errors.Errorf("root %d out of range", root)
	}
	copy(bb, contribs[root])
	return nil
}

func (h *commHandle) AllGather(src, dst gpudata.Devptr, count int, wireType int32) error {
	dt, err := h.check(wireType)
	if err != nil {
		return err
	}
	chunk := count * dt.Size()
	sb, err := h.grab(src, chunk)
	if err != nil {
		return err
	}
	contribs := h.world.exchange(h.rank, append([]byte(nil), sb...))
	db, err := h.grab(dst, chunk*len(contribs))
	if err != nil {
		return err
	}
	for r, c := range contribs {
		copy(db[r*chunk:], c)
	}
	return nil
}

// foldInto reduces the contributions elementwise into dst: dst receives
// contribs[0], then combines the rest in rank order.
func foldInto(dst []byte, contribs [][]byte, dt dtypes.DType, wireOp int32) error {
	copy(dst, contribs[0])
	for _, c := range contribs[1:] {
		if err := combine(dst, c, dt, wireOp); err != nil {
			return err
		}
	}
	return nil
}

func combine(acc, in []byte, dt dtypes.DType, wireOp int32) error {
	op := comm.ReduceOp(wireOp)
	switch dt {
	case dtypes.Int8:
		for i := range acc {
			acc[i] = byte(int8combine(op, int8(acc[i]), int8(in[i])))
		}
	case dtypes.Int32:
		for i := 0; i+4 <= len(acc); i += 4 {
			a := int32(binary.LittleEndian.Uint32(acc[i:]))
			b := int32(binary.LittleEndian.Uint32(in[i:]))
			binary.LittleEndian.PutUint32(acc[i:], uint32(i64combine(op, int64(a), int64(b))))
		}
	case dtypes.Int64:
		for i := 0; i+8 <= len(acc); i += 8 {
			a := int64(binary.LittleEndian.Uint64(acc[i:]))
			b := int64(binary.LittleEndian.Uint64(in[i:]))
			binary.LittleEndian.PutUint64(acc[i:], uint64(i64combine(op, a, b)))
		}
	case dtypes.Uint64:
		for i := 0; i+8 <= len(acc); i += 8 {
			a := binary.LittleEndian.Uint64(acc[i:])
			b := binary.LittleEndian.Uint64(in[i:])
			binary.LittleEndian.PutUint64(acc[i:], u64combine(op, a, b))
		}
	case dtypes.Float16:
		for i := 0; i+2 <= len(acc); i += 2 {
			a := dtypes.Float16ToFloat32(binary.LittleEndian.Uint16(acc[i:]))
			b := dtypes.Float16ToFloat32(binary.LittleEndian.Uint16(in[i:]))
			binary.LittleEndian.PutUint16(acc[i:], dtypes.Float32ToFloat16(f32combine(op, a, b)))
		}
	case dtypes.Float32:
		for i := 0; i+4 <= len(acc); i += 4 {
			a := math32.Float32frombits(binary.LittleEndian.Uint32(acc[i:]))
			b := math32.Float32frombits(binary.LittleEndian.Uint32(in[i:]))
			binary.LittleEndian.PutUint32(acc[i:], math32.Float32bits(f32combine(op, a, b)))
		}
	case dtypes.Float64:
		for i := 0; i+8 <= len(acc); i += 8 {
			a := math.Float64frombits(binary.LittleEndian.Uint64(acc[i:]))
			b := math.Float64frombits(binary.LittleEndian.Uint64(in[i:]))
			binary.LittleEndian.PutUint64(acc[i:], math.Float64bits(f64combine(op, a, b)))
		}
	default:
		return errors.Errorf("no reduction for dtype %s", dt)
	}
	return nil
}

func int8combine(op comm.ReduceOp, a, b int8) int8 {
	return int8(i64combine(op, int64(a), int64(b)))
}

func i64combine(op comm.ReduceOp, a, b int64) int64 {
	switch op {
	case comm.ReduceSum:
		return a + b
	case comm.ReduceProd:
		return a * b
	case comm.ReduceMax:
		return max(a, b)
	default:
		return min(a, b)
	}
}

func u64combine(op comm.ReduceOp, a, b uint64) uint64 {
	switch op {
	case comm.ReduceSum:
		return a + b
	case comm.ReduceProd:
		return a * b
	case comm.ReduceMax:
		return max(a, b)
	default:
		return min(a, b)
	}
}

func f32combine(op comm.ReduceOp, a, b float32) float32 {
	switch op {
	case comm.ReduceSum:
		return a + b
	case comm.ReduceProd:
		return a * b
	case comm.ReduceMax:
		return math32.Max(a, b)
	default:
		return math32.Min(a, b)
	}
}

func f64combine(op comm.ReduceOp, a, b float64) float64 {
	switch op {
	case comm.ReduceSum:
		return a + b
	case comm.ReduceProd:
		return a * b
	case comm.ReduceMax:
		return math.Max(a, b)
	default:
		return math.Min(a, b)
	}
}
