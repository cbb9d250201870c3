package supervisor

import (
	"sync"

	"github.com/nmxmxh/cosmic-lottery/kernel/threads/foundation"
	"github.com/nmxmxh/cosmic-lottery/kernel/utils"
)

// Handler executes protocol commands inside the worker context
type Handler interface {
	Handle(req foundation.Request) foundation.Response
}

// Worker is an isolated execution context. Requests are processed strictly
// in order and every request yields exactly one response.
type Worker interface {
	// Send enqueues without blocking. False means the mailbox is full or the
	// worker has been terminated.
	Send(req foundation.Request) bool
	Responses() <-chan foundation.Response
	// Terminate abandons the worker. A pass already running completes but its
	// response is never delivered to a reader of a newer worker.
	Terminate()
}

// goroutineWorker runs a Handler on its own goroutine
type goroutineWorker struct {
	handler   Handler
	mailbox   chan foundation.Request
	responses chan foundation.Response
	done      chan struct{}
	once      sync.Once
	logger    *utils.Logger
}

// SpawnWorker starts a worker goroutine around handler
func SpawnWorker(handler Handler, mailboxSize int, logger *utils.Logger) Worker {
	if logger == nil {
		logger = utils.NopLogger()
	}
	w := &goroutineWorker{
		handler:   handler,
		mailbox:   make(chan foundation.Request, mailboxSize),
		responses: make(chan foundation.Response, mailboxSize),
		done:      make(chan struct{}),
		logger:    logger,
	}
	go w.loop()
	return w
}

func (w *goroutineWorker) Send(req foundation.Request) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.mailbox <- req:
		return true
	default:
		return false
	}
}

func (w *goroutineWorker) Responses() <-chan foundation.Response {
	return w.responses
}

func (w *goroutineWorker) Terminate() {
	w.once.Do(func() {
		close(w.done)
	})
}

func (w *goroutineWorker) loop() {
	for {
		select {
		case <-w.done:
			return
		case req := <-w.mailbox:
			resp := invoke(w.handler, req)
			select {
			case w.responses <- resp:
			case <-w.done:
				return
			}
		}
	}
}

// invoke runs one command, converting a panic into a worker_failure response
func invoke(h Handler, req foundation.Request) (resp foundation.Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = foundation.Response{
				Seq:     req.Seq,
				Kind:    foundation.RespWorkerFailure,
				Command: req.Command.Kind(),
				Err:     utils.RecoveredError(string(req.Command.Kind()), r),
			}
		}
	}()
	return h.Handle(req)
}
