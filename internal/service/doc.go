// Package service runs processing tasks in a pool of worker processes.
//
// Overview
// A Service listens on three bus sockets and owns the Pool, the Supervisor
// and the Client. The Pool spawns N workers, by default the running binary
// re-executed with the hidden _worker command, and respawns them when they
// exit. Every worker dials the three sockets with the same identity.
//
// The Client is the router side. Workers announce READY, the Client keeps
// them in a FIFO plus a set so repeated announcements are coalesced, and
// sends each task to the worker at the head of the queue under a fresh
// correlation id. The number of tasks in flight is bounded by MaxQueue.
//
// The Supervisor receives BUSY and DONE from workers and kills, through
// Pool.Kill, any worker whose task outlives its timeout.
//
// Runner is a thin wrapper around os/exec used by ExecSpawner.
//
// Data flow:
//
//	Client                 Worker{pid}                Supervisor
//	  |                       |                           |
//	  |<------- READY --------|                           |
//	  |-- TASK corr, task --->|                           |
//	  |                       |-- BUSY pid, timeout ----->| timer(pid)
//	  |                       | handler(ctx, task)        |
//	  |                       |-- DONE pid -------------->| stop timer
//	  |<-- RESULT corr, res --|                           |
//	  |<------- READY --------|                           |
//
// Invariants:
//   - A worker runs one task at a time.
//   - BUSY is sent before the handler runs, DONE before the result.
//   - A worker reaching MaxCycles, or receiving RESTART while idle, exits 0
//     and is respawned.
//   - A worker exiting with a non zero code within EarlyFailureDelay of its
//     start is a fatal configuration error, the server aborts.
//   - A task in flight on a worker that disconnects fails with ErrWorkerLost.
//
// InProcessSpawner runs workers as goroutines, pool_test.go shows how the
// whole chain is exercised without building the binary.
package service
