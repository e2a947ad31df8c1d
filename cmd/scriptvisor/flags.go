package main

import "time"

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// RunFlags holds flags for the run command
type RunFlags struct {
	NoReuse bool
	Timeout time.Duration
}

// APIFlags selects a running daemon
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}
