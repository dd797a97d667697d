// Package proto defines the frames exchanged over the control channel
// between the retiring process and its successor, and the functions for
// reading and writing them off the wire.
//
// A handover exchange between N, the new process requesting listeners, and
// O, the old process currently serving, looks like:
//
//	N sends 'Request{PID: n}' to O after connecting
//	O sends 'TransferHeader{PID: o, Listeners: [...]}' once the
//	  reconfiguration signal arrives, followed by one SCM_RIGHTS message
//	  per listed listener
//	N claims the pidfile, then sends 'Message{Msg: MsgReady, PID: n}'
//	O re-reads the pidfile, sends 'Message{Msg: MsgSteppingDown}' and
//	  closes the connection
//
// There are two failure modes of interest in the final exchange.
//  1. O sends 'MsgSteppingDown' but N never reads it.
//  2. O gets an error sending 'MsgSteppingDown' and is unsure whether N
//     received it.
//
// In case 1 the new process treats the handover as failed and exits; the
// pidfile at that point already names it, so a restarted successor will find
// no live owner and bind fresh. In case 2 the old process must assume the
// message arrived and step down anyway. Both cases degrade to "no owner",
// never to two owners of the same listening sockets.
package proto
