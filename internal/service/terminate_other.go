//go:build !unix

package service

import (
	"os"
)

func terminate(p *os.Process) error {
	return p.Kill()
}
