// Package relay implements the connection relay engine using the actor pattern.
//
// One goroutine owns the role registry, both frame buffers and the delay queue;
// external callers post commands on a channel (no mutexes). Senders push
// screenshot frames, browsers push code commands, and whichever side has no
// audience gets parked in a bounded TTL buffer until the other side appears.
package relay
