// Package runner hosts the assistant process lifecycle: banner, start
// hooks, signal-driven shutdown and a bounded drain phase.
package runner

import (
	"bytes"
	"context"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks run at the edges of the lifecycle. OnStart fires once the
// runner is up; OnStop fires after the drain completes (or times out).
type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer quiesces in-flight work before OnStop. Drain must return
// once no new work will be accepted and active work has settled.
type Drainer interface {
	Drain() error
}

// DrainerFunc adapts a plain function to the Drainer interface.
type DrainerFunc func() error

func (f DrainerFunc) Drain() error { return f() }

// Version is stamped by the build; "dev" outside release builds.
var Version = "dev"

func PrintBanner() {
	tpl := "{{ .Title \"NARA\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}
