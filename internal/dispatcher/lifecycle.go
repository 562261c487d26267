package dispatcher

import "context"

// Instance is the synchronous pre-run/post-run hook pair a class-bound
// handler's instance may implement.
type Instance interface {
	PreRun(ctx context.Context) error
	PostRun(ctx context.Context) error
}

// AsyncInstance is the asynchronous hook pair. In this runtime "async" only
// affects hook resolution order, not scheduling: both pairs are plain
// blocking Go methods.
type AsyncInstance interface {
	PreRunAsync(ctx context.Context) error
	PostRunAsync(ctx context.Context) error
}

// ResolveLifecycle picks the pre-run/post-run pair to call for instance,
// per §4.6 and the open question it leaves for implementers to settle:
//   - an async dispatcher prefers the async pair, falling back to the sync
//     pair if no async pair is implemented;
//   - a sync dispatcher uses only the sync pair; if only an async pair is
//     implemented, hooks are skipped and warning is non-empty.
//
// pre and post are nil if instance implements neither pair (the common
// case: a bare function handler with no bound instance).
func ResolveLifecycle(isAsync bool, instance any) (pre, post func(context.Context) error, warning string) {
	if instance == nil {
		return nil, nil, ""
	}

	syncInst, hasSync := instance.(Instance)
	asyncInst, hasAsync := instance.(AsyncInstance)

	switch {
	case isAsync && hasAsync:
		return asyncInst.PreRunAsync, asyncInst.PostRunAsync, ""
	case isAsync && hasSync:
		return syncInst.PreRun, syncInst.PostRun, ""
	case !isAsync && hasSync:
		return syncInst.PreRun, syncInst.PostRun, ""
	case !isAsync && hasAsync:
		return nil, nil, "dispatcher: instance defines only async lifecycle hooks; a synchronous handler does not call them"
	default:
		return nil, nil, ""
	}
}
