package main

// Flag structs decouple cobra from the underlying logic for testing
// (grounded in the teacher's cmd/provisr/flags.go).

type RunFlags struct {
	ConfigPath string
	LogLevel   string
	Quiet      bool
}

type ValidateFlags struct {
	ConfigPath string
}

type AttachFlags struct {
	ConfigPath string
	Name       string
}
