//go:build coroutine_bootstrap

package coroutine

// Substrate names the execution substrate compiled in.
const Substrate = "bootstrap"

// bootstrapStack starts its goroutine at creation. The goroutine reports in
// once and then parks until the first wake, so every coroutine costs one
// round trip to create.
type bootstrapStack struct {
	channelStack

	started bool
}

func newStack(body func(first Action)) stack {
	s := &bootstrapStack{
		channelStack: channelStack{resume: make(chan Action)},
	}

	ready := make(chan struct{})
	go func() {
		close(ready)

		first, ok := <-s.resume
		if !ok {
			return
		}
		body(first)
	}()
	<-ready

	return s
}

func (s *bootstrapStack) wake(a Action) {
	s.started = true
	s.channelStack.wake(a)
}

func (s *bootstrapStack) release() {
	if !s.started {
		close(s.resume)
	}
}
