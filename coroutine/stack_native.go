//go:build !coroutine_bootstrap

package coroutine

// Substrate names the execution substrate compiled in.
const Substrate = "native"

// goroutineStack spawns its goroutine on the first wake, so creating a
// coroutine costs no more than an allocation.
type goroutineStack struct {
	channelStack

	body    func(first Action)
	started bool
}

func newStack(body func(first Action)) stack {
	return &goroutineStack{
		channelStack: channelStack{resume: make(chan Action)},
		body:         body,
	}
}

func (s *goroutineStack) wake(a Action) {
	if s.started {
		s.channelStack.wake(a)
		return
	}

	s.started = true
	go s.body(a)
}

func (s *goroutineStack) release() {
	s.body = nil
}
