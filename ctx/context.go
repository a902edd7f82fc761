// Package ctx provides lifecycle and logging plumbing for the agent's long-running parts.
package ctx

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
)

// Ctx is an abstraction for a context that can stopped/aborted.
//
// Ctx serves as a vehicle between a Context expressed as *struct or as an interface (which can be upcast).
type Ctx interface {
	BaseContext() *Context
}

// Context is a service helper: it owns a cancelable context.Context, tracks goroutines started
// via CtxGo, and stops its children (leaf first) before itself.
type Context struct {
	Logger

	Ctx context.Context

	// internal
	ctxCancel     context.CancelFunc
	stopComplete  sync.WaitGroup
	stopMutex     sync.Mutex
	stopReason    string
	parent        *Context
	children      []Ctx
	childrenMutex sync.Mutex

	// externally provided callbacks
	onAboutToStop func()
	onStopping    func()
}

// NewContext returns a Context logging with the given label.
func NewContext(logLabel string) *Context {
	return &Context{
		Logger: NewLogger(logLabel),
	}
}

// BaseContext allows the holder of a Ctx to get the raw/underlying Context.
func (C *Context) BaseContext() *Context {
	return C
}

// CtxStopping allows callers to wait until this context is stopping.
func (C *Context) CtxStopping() <-chan struct{} {
	return C.Ctx.Done()
}

// CtxStart blocks until onStartup returns.  If it returns an error, this Context is stopped and the error returned.
//
// onAboutToStop is called (once) when CtxStop is first called and before children are stopped.
// onStopping is called after this Context's context.Context is canceled.
func (C *Context) CtxStart(
	onStartup func() error,
	onAboutToStop func(),
	onStopping func(),
) error {

	if C.CtxRunning() {
		return ErrCtxAlreadyRunning
	}
	if C.Logger == nil {
		C.Logger = NewLogger("")
	}

	C.onAboutToStop = onAboutToStop
	C.onStopping = onStopping
	C.Ctx, C.ctxCancel = context.WithCancel(context.Background())

	var err error
	if onStartup != nil {
		err = onStartup()
	}

	// Always add this so that CtxWait() has something to wait on.
	C.CtxGo(func() {
		<-C.CtxStopping()

		if C.onStopping != nil {
			C.onStopping()
		}
	})

	if err != nil {
		C.Errorf("CtxStart failed: %v", err)
		C.CtxStop("CtxStart failed", nil)
		C.CtxWait()
	}

	return err
}

// CtxStop initiates a stop of this Context, calling inReleaseOnComplete.Done() when this context is fully stopped (if provided).
//
// If C.CtxStop() is being called for the first time, true is returned.
// If it has already been called (or is in-flight), then false is returned and this call effectively is a no-op (but still honors in inReleaseOnComplete).
//
// When C.CtxStop() is called (for the first time):
//  1. C.onAboutToStop() is called (if provided to C.CtxStart)
//  2. if C has a parent, C is detached from it.
//  3. C.CtxStopChildren() is called, blocking until all children are stopped (recursive)
//  4. C.Ctx is cancelled, causing onStopping() to be called (if provided) and any <-CtxStopping() calls to be unblocked.
//  5. After the last call to C.CtxGo() has completed, C.CtxWait() is released.
func (C *Context) CtxStop(
	inReason string,
	inReleaseOnComplete *sync.WaitGroup,
) bool {

	initiated := false

	C.stopMutex.Lock()
	if ctxCancel := C.ctxCancel; C.CtxRunning() && ctxCancel != nil {
		C.ctxCancel = nil
		C.stopReason = inReason
		C.Infof(1, "CtxStop (%s)", C.stopReason)

		if onAboutToStop := C.onAboutToStop; onAboutToStop != nil {
			C.onAboutToStop = nil
			onAboutToStop()
		}

		if C.parent != nil {
			C.parent.detachChild(C)
		}

		C.CtxStopChildren("parent is stopping")

		ctxCancel()
		initiated = true
	}
	C.stopMutex.Unlock()

	if inReleaseOnComplete != nil {
		C.CtxWait()
		inReleaseOnComplete.Done()
	}

	return initiated
}

// CtxWait blocks until this Context has completed stopping.
//
// THREADSAFE
func (C *Context) CtxWait() {
	C.stopComplete.Wait()
}

// CtxStopChildren initiates a stop on each child and blocks until complete.
func (C *Context) CtxStopChildren(inReason string) {
	C.childrenMutex.Lock()
	children := append([]Ctx(nil), C.children...)
	C.childrenMutex.Unlock()

	if len(children) == 0 {
		return
	}

	C.Infof(2, "%d children to stop", len(children))

	running := &sync.WaitGroup{}
	running.Add(len(children))
	for i := len(children) - 1; i >= 0; i-- {
		go children[i].BaseContext().CtxStop(inReason, running)
	}
	running.Wait()
}

// CtxAddChild adds inChild such that C.CtxStop() will stop and wait on inChild first.
func (C *Context) CtxAddChild(inChild Ctx) {
	childC := inChild.BaseContext()

	C.childrenMutex.Lock()
	C.children = append(C.children, inChild)
	childC.parent = C
	C.childrenMutex.Unlock()
}

func (C *Context) detachChild(inChild *Context) {
	C.childrenMutex.Lock()
	defer C.childrenMutex.Unlock()

	inChild.parent = nil
	for i, child := range C.children {
		if child.BaseContext() == inChild {
			C.children = append(C.children[:i], C.children[i+1:]...)
			return
		}
	}
}

// CtxGo starts inProcess in its own goroutine, preventing CtxWait() from returning until it completes.
//
// The presumption here is that inProcess will exit from some trigger such as <-C.CtxStopping().
func (C *Context) CtxGo(
	inProcess func(),
) {
	C.stopComplete.Add(1)
	go func() {
		defer C.stopComplete.Done()
		inProcess()
	}()
}

// CtxStopReason returns the reason provided by the stop initiator.
func (C *Context) CtxStopReason() string {
	return C.stopReason
}

// CtxStatus returns an error if this Context has not yet started, is stopping, or has stopped.
//
// THREADSAFE
func (C *Context) CtxStatus() error {
	if C.Ctx == nil {
		return ErrCtxNotRunning
	}
	return C.Ctx.Err()
}

// CtxRunning returns true has been started and is not stopping.
//
// THREADSAFE
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

// AttachInterruptHandler stops this Context on SIGINT, SIGTERM, or SIGHUP.
// A second signal more than 3 seconds after the first terminates the process.
func (C *Context) AttachInterruptHandler() {
	sigInbox := make(chan os.Signal, 1)

	signal.Notify(sigInbox, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		count := 0
		var firstTime time.Time

		for sig := range sigInbox {
			count++

			// Prevent un-terminated ^C character in terminal
			fmt.Println()

			if count == 1 {
				firstTime = time.Now()
				go C.CtxStop("received "+sig.String(), nil)
			} else if time.Since(firstTime) > 3*time.Second {
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

// AttachGrpcServer serves ioServer on the given listener.
//
// Appropriate calls are set up so that:
//  1. ioServer exiting will trigger CtxStop().
//  2. When this Context is about to stop, any previously attached onAboutToStop runs first and then
//     ioServer is stopped, allowing in-flight streams up to inGrace to finish.
func (C *Context) AttachGrpcServer(
	inListener net.Listener,
	ioServer *grpc.Server,
	inGrace time.Duration,
) {
	C.Infof(0, "serving grpc on \x1b[1;32m%v %v\x1b[0m", inListener.Addr().Network(), inListener.Addr().String())

	C.CtxGo(func() {
		if err := ioServer.Serve(inListener); err != nil {
			C.Error("grpc server error: ", err)
		}
		go C.CtxStop("grpc server stopped", nil)
	})

	C.stopMutex.Lock()
	origAboutToStop := C.onAboutToStop
	C.onAboutToStop = func() {
		if origAboutToStop != nil {
			origAboutToStop()
		}

		C.Info(1, "stopping grpc service")

		stopped := make(chan struct{})
		go func() {
			ioServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(inGrace):
			ioServer.Stop()
		}
	}
	C.stopMutex.Unlock()
}
