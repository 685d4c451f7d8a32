package broadcast

import "log/slog"

// Recipient is anything the fabric can hand an already-encoded frame to.
// The Presence Registry's channel handles satisfy this; Send must be
// non-blocking and report whether the frame was accepted.
type Recipient interface {
	Send(frame []byte) bool
}

// Fabric performs per-moment ordered fan-out. It holds no state of its own
// (the registry owns the moment-to-socket membership), so a single Fabric
// value is shared by every moment.
type Fabric struct{}

// New constructs a Fabric.
func New() *Fabric {
	return &Fabric{}
}

// Fanout sends frame to every recipient, continuing past individual
// failures rather than aborting the batch. It returns the ids of
// recipients whose Send reported false, so the caller (the registry) can
// decide whether that socket needs tearing down.
func (f *Fabric) Fanout(recipients map[string]Recipient, frame []byte) []string {
	var failed []string
	for id, r := range recipients {
		if !r.Send(frame) {
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		slog.Warn("broadcast fanout had unresponsive recipients", "count", len(failed))
	}
	return failed
}
