package coroutine

// stack is the execution substrate behind a Context: something that can be
// parked and woken with an Action.
//
// Two substrates exist and are chosen at build time. The native one starts
// the goroutine of a coroutine lazily, on its first switch-in. The bootstrap
// one (build tag coroutine_bootstrap) starts it when the coroutine is
// created and waits for it to report in before Create returns.
type stack interface {
	// wake transfers control to the stack. It must only be called on a
	// stack that is parked or not yet started.
	wake(a Action)

	// wait parks the calling goroutine until the stack is woken.
	wait() Action

	// release frees a stack that will not run again.
	release()
}

// channelStack parks and wakes through an unbuffered channel. It backs the
// leader context, which already runs on its own goroutine.
type channelStack struct {
	resume chan Action
}

func newLeaderStack() *channelStack {
	return &channelStack{resume: make(chan Action)}
}

func (s *channelStack) wake(a Action) {
	s.resume <- a
}

func (s *channelStack) wait() Action {
	a, ok := <-s.resume
	if !ok {
		panic("coroutine: resumed a released stack")
	}
	return a
}

func (s *channelStack) release() {}
