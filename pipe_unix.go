//go:build unix

package main

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// createPipe makes a FIFO at path (reusing an existing one) and opens it
// for writing, so exports can stream straight into another process. The
// open blocks until a reader attaches.
func createPipe(path string) (*os.File, error) {
	err := syscall.Mkfifo(path, 0600)
	if err != nil {
		if !errors.Is(err, syscall.EEXIST) {
			return nil, fmt.Errorf("mkfifo: %w", err)
		}
		info, statErr := os.Stat(path)
		if statErr != nil {
			return nil, statErr
		}
		if info.Mode()&os.ModeNamedPipe == 0 {
			return nil, fmt.Errorf("%s exists and is not a named pipe", path)
		}
	}
	fmt.Fprintf(os.Stderr, "waiting for reader on %s...\n", path)
	f, err := os.OpenFile(path, os.O_WRONLY, 0) // blocks until reader connects
	if err != nil {
		return nil, fmt.Errorf("open pipe: %w", err)
	}
	return f, nil
}

func removePipe(path string) {
	os.Remove(path)
}
