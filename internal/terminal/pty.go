package terminal

import "io"

// ptyHandle abstracts the PTY master across platforms.
type ptyHandle interface {
	io.ReadWriteCloser
	// Resize changes the PTY window size.
	Resize(cols, rows uint16) error
}
