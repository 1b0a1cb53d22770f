package main

import "time"

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

// StartFlags Flag structs to decouple cobra from logic for testing.
type StartFlags struct {
	Profile bool
	Reset   bool
	NoProxy bool
	Timeout time.Duration
	JSON    bool
}

type StopFlags struct {
	// Watchdog marks a stop launched by the watchdog after a timeout.
	Watchdog bool
	JSON     bool
}

type StatusFlags struct {
	JSON      bool
	Processes bool // sample CPU/memory of the watchdog and tunnel
}

type ExecFlags struct {
	Interval time.Duration
}

type HistoryFlags struct {
	DSN   string
	Limit int
	JSON  bool
}
