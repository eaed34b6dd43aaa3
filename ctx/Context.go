// Package ctx provides the lifecycle and logging scaffolding shared by every long-lived gateway component.
package ctx

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"syscall"
	"time"
)

// Ctx is implemented by anything that embeds a Context, allowing a component to be upcast back to its own type.
type Ctx interface {
	BaseContext() *Context
}

// Context is a stoppable unit of work that owns goroutines and child Contexts.
//
// Contexts form a tree.  Stopping a Context stops its children first (leaf-first), then cancels
// its own context.Context, and CtxWait() returns once every goroutine started via CtxGo() has exited.
type Context struct {
	logger

	Ctx        context.Context
	FaultLog   []error
	FaultLimit int

	ctxCancel    context.CancelFunc
	stopComplete sync.WaitGroup
	stopMu       sync.Mutex
	stopReason   string
	parent       *Context
	children     []Ctx
	childrenMu   sync.RWMutex

	onAboutToStop      func()
	onChildAboutToStop func(child Ctx)
}

// CtxStart readies this Context and calls onStartup.  If onStartup returns an error, this Context is stopped and the error returned.
//
//   onAboutToStop      is called first thing when CtxStop() is initiated (children are still running).
//   onChildAboutToStop is called when a child of this Context initiates its stop.
//   onStopping         is called after all children are stopped and this Context's context.Context is cancelled.
func (C *Context) CtxStart(
	onStartup func() error,
	onAboutToStop func(),
	onChildAboutToStop func(child Ctx),
	onStopping func(),
) error {

	if C.CtxRunning() {
		return ErrCtxAlreadyRunning
	}

	C.onAboutToStop = onAboutToStop
	C.onChildAboutToStop = onChildAboutToStop
	C.FaultLimit = 1
	C.Ctx, C.ctxCancel = context.WithCancel(context.Background())

	var err error
	if onStartup != nil {
		err = onStartup()
	}

	// Always registered so that CtxWait() has something to wait on, even when onStopping is nil.
	C.CtxGo(func() {
		<-C.CtxStopping()
		if onStopping != nil {
			onStopping()
		}
	})

	if err != nil {
		C.Errorf("CtxStart failed: %v", err)
		C.CtxStop("CtxStart failed", nil)
		C.CtxWait()
	}

	return err
}

// CtxStopping returns a channel that closes once this Context begins stopping.
func (C *Context) CtxStopping() <-chan struct{} {
	return C.Ctx.Done()
}

// CtxStop initiates a stop of this Context.  Returns true if this call initiated the stop.
//
// If releaseOnComplete is given, this call blocks until the stop is complete and then calls releaseOnComplete.Done().
//
// When called for the first time:
//  1. onAboutToStop() is called (if given to CtxStart)
//  2. the parent (if any) detaches this Context and calls its onChildAboutToStop()
//  3. children are stopped, blocking until they are fully stopped
//  4. this Context's context.Context is cancelled, triggering onStopping()
//  5. CtxWait() is released once every CtxGo() routine has exited
func (C *Context) CtxStop(
	reason string,
	releaseOnComplete *sync.WaitGroup,
) bool {

	initiated := false

	C.stopMu.Lock()
	if cancel := C.ctxCancel; cancel != nil && C.CtxRunning() {
		C.ctxCancel = nil
		C.stopReason = reason
		C.Infof(2, "CtxStop (%s)", reason)

		if onAboutToStop := C.onAboutToStop; onAboutToStop != nil {
			C.onAboutToStop = nil
			onAboutToStop()
		}

		if C.parent != nil {
			C.parent.childStopping(C)
		}

		C.CtxStopChildren("parent is stopping")

		cancel()
		initiated = true
	}
	C.stopMu.Unlock()

	if releaseOnComplete != nil {
		C.CtxWait()
		releaseOnComplete.Done()
	}

	return initiated
}

// CtxWait blocks until this Context has fully stopped.
func (C *Context) CtxWait() {
	C.stopComplete.Wait()
}

// CtxStopChildren stops all children (in reverse order of being added) and blocks until they are stopped.
func (C *Context) CtxStopChildren(reason string) {
	var wg sync.WaitGroup

	C.childrenMu.RLock()
	N := len(C.children)
	if N > 0 {
		C.Infof(2, "%d children to stop", N)
		wg.Add(N)
		for i := N - 1; i >= 0; i-- {
			child := C.children[i]
			if C.LogV(2) {
				C.Infof(2, "stopping child <%s> (%s)", child.BaseContext().GetLogLabel(), reflect.TypeOf(child).Elem().Name())
			}
			go child.BaseContext().CtxStop(reason, &wg)
		}
	}
	C.childrenMu.RUnlock()

	wg.Wait()
}

// CtxGo runs fn in its own goroutine, preventing CtxWait() from returning until fn exits.
//
// fn is expected to exit on its own or on <-CtxStopping().
func (C *Context) CtxGo(fn func()) {
	C.stopComplete.Add(1)
	go func() {
		defer C.stopComplete.Done()
		fn()
	}()
}

// Go is CtxGo() for when the routine wants the native Ctx handed back to it.
func Go(host Ctx, fn func(host Ctx)) {
	host.BaseContext().CtxGo(func() {
		fn(host)
	})
}

// CtxAddChild makes child a child of this Context: this Context will not finish stopping until child has.
func (C *Context) CtxAddChild(child Ctx) {
	C.childrenMu.Lock()
	C.children = append(C.children, child)
	child.BaseContext().setParent(C)
	C.childrenMu.Unlock()
}

// CtxChildCount returns the number of children currently attached.
func (C *Context) CtxChildCount() int {
	C.childrenMu.RLock()
	N := len(C.children)
	C.childrenMu.RUnlock()
	return N
}

// CtxStopReason returns the reason given by whoever initiated the stop.
func (C *Context) CtxStopReason() string {
	C.stopMu.Lock()
	defer C.stopMu.Unlock()
	return C.stopReason
}

// CtxStatus returns an error if this Context has not started, is stopping, or has stopped.
func (C *Context) CtxStatus() error {
	if C.Ctx == nil {
		return ErrCtxNotRunning
	}
	return C.Ctx.Err()
}

// CtxRunning returns true if this Context has started and has not begun stopping.
func (C *Context) CtxRunning() bool {
	if C.Ctx == nil {
		return false
	}
	select {
	case <-C.Ctx.Done():
		return false
	default:
	}
	return true
}

// CtxOnFault records an unexpected error; once FaultLimit faults are recorded, this Context is stopped.
//
// If err == nil, this call has no effect.
func (C *Context) CtxOnFault(err error, desc string) {
	if err == nil {
		return
	}

	C.Error(desc, ": ", err)

	C.stopMu.Lock()
	C.FaultLog = append(C.FaultLog, err)
	faultCount := len(C.FaultLog)
	C.stopMu.Unlock()

	if faultCount >= C.FaultLimit {
		C.CtxStop("fault limit reached", nil)
	}
}

// BaseContext -- see interface Ctx
func (C *Context) BaseContext() *Context {
	return C
}

func (C *Context) setParent(newParent *Context) {
	if newParent != nil && C.parent != nil {
		panic("Context already has parent")
	}
	C.parent = newParent
}

// childStopping detaches the given child and calls onChildAboutToStop with the child's native Ctx.
func (C *Context) childStopping(child *Context) {
	var native Ctx

	C.childrenMu.Lock()
	child.setParent(nil)
	for i, c := range C.children {
		// A struct embedding Context shows up as two Ctx values (&item and &item.Context), so match on the base.
		if c.BaseContext() == child {
			native = c
			N := len(C.children) - 1
			copy(C.children[i:], C.children[i+1:])
			C.children[N] = nil
			C.children = C.children[:N]
			break
		}
	}
	C.childrenMu.Unlock()

	if C.onChildAboutToStop != nil && native != nil {
		C.onChildAboutToStop(native)
	}
}

// AttachInterruptHandler stops this Context on SIGINT, SIGTERM, or SIGHUP.
//
// A second signal more than 3 seconds after the first exits the process immediately.
func (C *Context) AttachInterruptHandler() {
	sigInbox := make(chan os.Signal, 1)
	signal.Notify(sigInbox, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		var first time.Time
		for sig := range sigInbox {
			fmt.Println()
			if first.IsZero() {
				first = time.Now()
				C.CtxStop("received "+sig.String(), nil)
			} else if time.Since(first) > 3*time.Second {
				fmt.Println("\nReceived interrupt before graceful shutdown, terminating...")
				os.Exit(-1)
			}
		}
	}()

	go func() {
		C.CtxWait()
		signal.Stop(sigInbox)
		close(sigInbox)
	}()

	C.Infof(0, "for graceful shutdown, \x1b[1m^C\x1b[0m or \x1b[1mkill -s SIGINT %d\x1b[0m", os.Getpid())
}
