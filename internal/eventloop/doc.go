// Package eventloop implements a single-threaded reactor used to supervise
// child processes without blocking on their exit.
//
// Every callback registered with a Loop runs on the goroutine that calls
// Iterate or RunUntil. Callbacks must not block and must not call back into
// Iterate; doing so would reorder dispatch for sources that are already
// pending in the current pass.
//
// Child exits are observed through SIGCHLD. The loop forwards the signal to a
// self-pipe and then checks each registered child watch with a non-blocking
// wait4, so a watch added after the child already exited still fires on the
// next pass.
package eventloop
