// Package protocol defines the closed Command/Event message shapes at the
// engine boundary (spec.md §4.7). Go has no native sum type, so each is a
// tagged struct: a Kind discriminant plus the fields relevant to that kind.
// Commands and Events flow over bounded channels; nothing outside
// internal/engine shares memory with a UI (spec.md §9 "Control-plane
// channels").
package protocol

import "github.com/loykin/micromux/internal/spec"

type CommandKind int

const (
	CmdStart CommandKind = iota
	CmdStop
	CmdRestart
	CmdRestartAll
	CmdDisable
	CmdEnable
	CmdAttach
	CmdDetach
	CmdSendInput
	CmdResize
	CmdShutdown
)

// Command is a UI -> engine message.
type Command struct {
	Kind CommandKind
	Name string // unused for CmdRestartAll / CmdShutdown
	Bytes []byte // CmdSendInput payload
	Rows, Cols uint16 // CmdResize
}

func Start(name string) Command       { return Command{Kind: CmdStart, Name: name} }
func Stop(name string) Command        { return Command{Kind: CmdStop, Name: name} }
func Restart(name string) Command     { return Command{Kind: CmdRestart, Name: name} }
func RestartAll() Command             { return Command{Kind: CmdRestartAll} }
func Disable(name string) Command     { return Command{Kind: CmdDisable, Name: name} }
func Enable(name string) Command      { return Command{Kind: CmdEnable, Name: name} }
func Attach(name string) Command      { return Command{Kind: CmdAttach, Name: name} }
func Detach(name string) Command      { return Command{Kind: CmdDetach, Name: name} }
func Shutdown() Command               { return Command{Kind: CmdShutdown} }

func SendInput(name string, b []byte) Command {
	return Command{Kind: CmdSendInput, Name: name, Bytes: b}
}

func Resize(name string, rows, cols uint16) Command {
	return Command{Kind: CmdResize, Name: name, Rows: rows, Cols: cols}
}

type EventKind int

const (
	EvServiceStateChanged EventKind = iota
	EvHealthAttempt
	EvOutput
	EvStarted
	EvExited
	EvEngineShutdownComplete
	EvWarning
)

// Event is an engine -> UI message.
type Event struct {
	Kind EventKind
	Name string // empty for EvEngineShutdownComplete and some EvWarning

	Actual spec.ActualState // EvServiceStateChanged
	Reason string           // EvServiceStateChanged, EvWarning

	Health spec.HealthResult // EvHealthAttempt

	Output []byte // EvOutput

	Pid int // EvStarted

	Status spec.ExitStatus // EvExited

	Message string // EvWarning
}

func ServiceStateChanged(name string, actual spec.ActualState, reason string) Event {
	return Event{Kind: EvServiceStateChanged, Name: name, Actual: actual, Reason: reason}
}

func HealthAttempt(name string, result spec.HealthResult) Event {
	return Event{Kind: EvHealthAttempt, Name: name, Health: result}
}

func Output(name string, b []byte) Event {
	return Event{Kind: EvOutput, Name: name, Output: b}
}

func Started(name string, pid int) Event {
	return Event{Kind: EvStarted, Name: name, Pid: pid}
}

func Exited(name string, status spec.ExitStatus) Event {
	return Event{Kind: EvExited, Name: name, Status: status}
}

func EngineShutdownComplete() Event {
	return Event{Kind: EvEngineShutdownComplete}
}

func Warning(name, message string) Event {
	return Event{Kind: EvWarning, Name: name, Message: message}
}
