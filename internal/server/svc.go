package server

// ChanSvc is a single-goroutine executor. Every function sent on it runs on
// the goroutine started by RunSvc, one at a time, in the order received.
type ChanSvc chan func()

// SvcSync runs code on the executor and waits for its result.
func SvcSync[T any](s ChanSvc, code func() (T, error)) (T, error) {
	done := make(chan struct{})
	var value T
	var err error
	s <- func() {
		defer close(done)
		value, err = code()
	}
	<-done
	return value, err
}

// Submit queues code on the executor. It blocks until the executor takes
// it, so one goroutine's submissions run in submission order.
func Submit(s ChanSvc, code func()) {
	s <- code
}

// RunSvc starts the executor goroutine. Close the channel to stop it; no
// submission may be in flight when it is closed.
func RunSvc(s ChanSvc) {
	go func() {
		for cmd := range s {
			cmd()
		}
	}()
}
