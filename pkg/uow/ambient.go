package uow

import "context"

type ctxKey struct{}

// maxScanDepth bounds the walk over the ambient stack.
const maxScanDepth = 64

// frame is one immutable entry of the ambient stack. Pushing a frame never
// changes the frames below it, so sibling call chains cannot see each other.
type frame struct {
	uow      *UnitOfWork
	suppress bool
	next     *frame
}

func topFrame(ctx context.Context) *frame {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(ctxKey{}).(*frame)
	return f
}

func pushFrame(ctx context.Context, u *UnitOfWork, suppress bool) context.Context {
	return context.WithValue(ctx, ctxKey{}, &frame{uow: u, suppress: suppress, next: topFrame(ctx)})
}

// Current returns the active unit of work of the call chain carried by ctx,
// or nil. Placeholders that were never activated and disposed entries are
// skipped. A Suppress scope hides everything below it, and so does a root
// that already committed or rolled back but was not disposed yet. An
// aborted unit of work is still returned so later work fails with
// ErrAborted instead of escaping it.
func Current(ctx context.Context) *UnitOfWork {
	f := topFrame(ctx)
	for i := 0; f != nil && i < maxScanDepth; i, f = i+1, f.next {
		if f.suppress {
			return nil
		}
		u := f.uow
		if u.isDisposed() || u.isPlaceholder() {
			continue
		}
		state := u.State()
		if state == StateAborted {
			return u
		}
		if state != StateActive {
			if u.root == nil {
				return nil
			}
			continue
		}
		return u
	}
	return nil
}
