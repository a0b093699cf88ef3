package dbtest

import (
	"flag"
	"os"
	"os/signal"
)

// Inspect keeps containers of failed tests running so their database can be
// examined manually. Without it a failed test tears its container down before
// anyone can look at the state that caused the failure.
//
// The testcontainers reaper will still collect the container eventually; see
// the library's documentation for the grace period.
var Inspect = flag.Bool("dbtest.inspect", false, "keep test container running for inspection after a failed test completes")

// waitForInspection blocks until the user sends a SIGINT (Ctrl+C), signalling
// that they finished inspecting the database.
func waitForInspection() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	defer signal.Stop(c)
	<-c
}
