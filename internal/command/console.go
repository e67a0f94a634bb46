package command

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrQuit is returned by [Console.Run] when the operator asks to exit.
var ErrQuit = errors.New("command: operator quit")

// Console reads command lines from an input stream and writes replies to an
// output stream.
type Console struct {
	interp *Interpreter
	in     io.Reader
	out    io.Writer
}

// NewConsole creates a console that executes lines from in with interp.
func NewConsole(interp *Interpreter, in io.Reader, out io.Writer) *Console {
	return &Console{interp: interp, in: in, out: out}
}

// Run processes lines until the input ends (nil), ctx is done (nil) or the
// operator quits ([ErrQuit]). A blocked read on in is abandoned when ctx is
// done; the reading goroutine exits once in returns.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
		readErr <- sc.Err()
	}()

	fmt.Fprintln(c.out, "Interactive command prompt ready. Type /help for commands.")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("command: read console: %w", err)
			}
			return nil
		case line := <-lines:
			resp, err := c.interp.Execute(ctx, line)
			switch {
			case err != nil:
				fmt.Fprintln(c.out, "Error:", err)
			case resp.Text != "":
				fmt.Fprintln(c.out, resp.Text)
			}
			if resp.Quit {
				return ErrQuit
			}
		}
	}
}
