//go:build unix

package service

import (
	"os"

	"golang.org/x/sys/unix"
)

// terminate sends SIGTERM, giving the broker a chance to flush its output.
func terminate(p *os.Process) error {
	return p.Signal(unix.SIGTERM)
}
