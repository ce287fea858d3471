package pvscope

import (
	"io"
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all TCP port numbers used by pvscope.
type Portnumbers struct {
	RPC     int
	Events  int
	Metrics int
}

// Ports globally holds all TCP port numbers used by pvscope.
var Ports Portnumbers

func setPortnumbers(base int) {
	Ports.RPC = base
	Ports.Events = base + 1
	Ports.Metrics = base + 2
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Gitdate string
	Date    string
	Host    string
	Summary string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.4.2",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// StartTime is a global holding the time init() was run
var StartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log client updates (events) to a file
var UpdateLogger *log.Logger

// Verbose turns on structure dumps and per-event logging.
var Verbose bool

func init() {
	setPortnumbers(5700)
	StartTime = time.Now()

	// The pvscope program will override these, but at least initialize with sensible values
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(io.Discard, "", log.LstdFlags)
}
