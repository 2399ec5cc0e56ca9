package gpudata

// Use pairs a buffer with the access mode of the operation about to be
// issued on it.
type Use struct {
	Buf  Buffer
	Mode AccessMode
}

// Run wraps the issuance of device work with the dependency protocol:
// enter the context's execution scope, wait on every buffer in argument
// order, run issue, record every buffer in the same order, exit.
//
// The scope is exited on every failure path, so a failing wait, issue or
// record never leaks an Enter. Errors propagate unchanged.
func Run(ctx Context, uses []Use, issue func() error) error {
	ctx.Enter()
	defer ctx.Exit()

	for _, u := range uses {
		if err := ctx.Wait(u.Buf, u.Mode); err != nil {
			return err
		}
	}
	if err := issue(); err != nil {
		return err
	}
	for _, u := range uses {
		if err := ctx.Record(u.Buf, u.Mode); err != nil {
			return err
		}
	}
	return nil
}
