//go:build !windows

package main

// VT escape handling needs no setup outside Windows.
func enableTerminalStatus() {}
