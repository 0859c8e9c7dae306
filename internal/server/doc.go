// Package server runs the single-threaded event loop.
//
// One goroutine (Serve) owns the poller, the listening socket and every
// connection. Readiness events drive non-blocking reads into a per-connection
// frame decoder; each complete frame is handed to the Handler synchronously
// and its response is queued for write. Only Stop, State, Stats and Addr are
// safe to call from other goroutines.
package server
