// Package service starts a broker under test and supervises it.
//
// Overview
// Start builds the broker environment, checks the storage backend, spawns
// the broker and blocks until its listening socket accepts connections. The
// returned Broker handle owns the process; Destroy terminates it.
//
// Runner is a thin, opinionated wrapper around os/exec:
//   - starts the process with stdin discarded
//   - passes stdout through
//   - feeds stderr line by line into a StderrHandler (extra goroutine)
//   - reaps the process and publishes a Result
//
// Data flow:
//
//	Start                Runner{cmd}                 mailproto.Scanner
//	  |                      |                              |
//	  | env.Build            |                              |
//	  | backend.Check        |                              |
//	  | Start() ------------>| os/exec.Start                |
//	  |                      | stderr goroutine ----------->| Line()
//	  |                      |                              |---> Sink (mail)
//	  |                      |                              |---> diagnostics
//	  | probe.Policy.Wait    |                              |
//	  |<-- ready / error     |                              |
//
// Invariants:
//   - A failed Start never leaves a process behind.
//   - Stderr is processed strictly in arrival order by a single goroutine.
//   - Destroy never fails and never blocks, calling it twice is harmless.
package service
