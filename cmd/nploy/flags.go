package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type GlobalFlags struct {
	ConfigPath string
}

// APIFlags select the admin API of a running server.
type APIFlags struct {
	URL      string
	Timeout  time.Duration
	Token    string
	User     string
	Password string
}

type ServeFlags struct {
	ConfigPath string
	PidFile    string
	Host       string
	Port       int
	Dir        string
	Mode       string
	Admin      string
}

type StartFlags struct {
	Name    string
	Script  string
	Command string
	Args    []string
	Env     []string
	WorkDir string
	Watch   string
	Timeout time.Duration
}

type RouteAddFlags struct {
	Key     string
	Script  string
	Command string
	Args    []string
	Replace bool
}
