package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type StopFlags struct {
	Timeout time.Duration
}

type StatusFlags struct {
	Name string
	JSON bool
}

type EventsFlags struct {
	Limit int
	JSON  bool
}
