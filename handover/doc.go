// Package handover implements zero downtime replacement of a running server
// process by a new one, without dropping in-flight connections or missing
// new ones.
//
// The two processes coordinate over a well-known control channel socket and
// a pidfile, both at absolute paths every instance in the upgrade chain is
// configured with. The process currently named by the pidfile owns the
// listening sockets. A successor is launched independently (how is out of
// scope of this package), connects to the control channel, and waits. When
// the operator delivers the reconfiguration signal to the old process, the
// old process stops accepting, passes its listening sockets over the channel
// as raw file descriptors, waits for the successor to claim the pidfile, and
// then drains its remaining connections under a bounded grace period.
//
// A failed handover attempt leaves the old process fully operational: it
// rolls back to accepting on the listeners it still owns and waits for a
// human-initiated new attempt. At no point may the system be left with zero
// listening processes for a configured service.
package handover
