// Package process supervises a single child process from inside the event
// loop.
//
// A Supervisor never blocks waiting for its child. Exit is observed in one of
// three ways: a non-blocking Poll, a child watch registered with the loop, or
// a hangup or error on the descriptor the child writes to. Whichever happens
// first sets the return code; the handle then releases its loop sources and
// descriptors and tells its exit listeners, each exactly once.
//
// Return codes follow the usual convention: a non-negative value is the exit
// code, and -N means the child was terminated by signal N.
//
// Cancel only requests termination with SIGTERM. Callers that need a hard
// deadline should wait CancelGracePeriod for the exit to be observed and then
// escalate themselves.
package process
