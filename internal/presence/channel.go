package presence

// Channel is anything the registry can hand an encoded frame to and later
// force closed. The Connection Gateway's websocket-backed connections are
// the only production implementation; tests use an in-memory fake.
// Send must be non-blocking and report whether the frame was accepted,
// satisfying broadcast.Recipient as well.
type Channel interface {
	Send(frame []byte) bool
	Close(code int, reason string)
}
