package server

import "time"

// Observer receives loop events. Calls happen on the loop goroutine, so
// implementations must be cheap and must not block.
type Observer interface {
	ConnOpened()
	ConnRejected()
	ConnClosed(reason string)
	FrameDecoded(size int)
	ProtocolError(kind string)
	BytesRead(n int)
	BytesWritten(n int)
	HandlerDone(d time.Duration, failed bool)
}

type nopObserver struct{}

func (nopObserver) ConnOpened() {}
func (nopObserver) ConnRejected() {}
func (nopObserver) ConnClosed(string) {}
func (nopObserver) FrameDecoded(int) {}
func (nopObserver) ProtocolError(string) {}
func (nopObserver) BytesRead(int) {}
func (nopObserver) BytesWritten(int) {}
func (nopObserver) HandlerDone(time.Duration, bool) {}
