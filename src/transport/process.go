package transport

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/rpc/src/bridge"
)

// ChildKillTimeout is how long a child gets to exit after its stdin closed.
var ChildKillTimeout = 2 * time.Second

// Child is a spawned worker process bound to a bridge over its stdio.
type Child struct {
	Bridge *bridge.Bridge

	cmd    *exec.Cmd
	logger zerolog.Logger
	exited chan struct{}
	err    error
}

// Pid returns the child's process id.
func (c *Child) Pid() int { return c.cmd.Process.Pid }

// Wait blocks until the child exited and returns its exit error.
func (c *Child) Wait() error {
	<-c.exited
	return c.err
}

// Exited is closed once the child process exited.
func (c *Child) Exited() <-chan struct{} { return c.exited }

// childPipes joins a child's stdout and stdin. Closing it closes stdin and
// kills the child when it does not exit within ChildKillTimeout.
type childPipes struct {
	io.Reader
	stdin io.WriteCloser
	child *Child
	once  sync.Once
}

func (p *childPipes) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *childPipes) Close() error {
	var err error
	p.once.Do(func() {
		err = p.stdin.Close()
		go func() {
			select {
			case <-p.child.exited:
			case <-time.After(ChildKillTimeout):
				p.child.logger.Warn().Int("pid", p.child.Pid()).Msg("child did not exit, killing")
				if kerr := p.child.cmd.Process.Kill(); kerr != nil {
					p.child.logger.Error().Err(kerr).Msg("kill child")
				}
			}
		}()
	})
	return err
}

// Spawn starts cmd and binds a bridge to its stdin and stdout with stream
// framing. The child's stderr is logged line by line. The bridge ends when
// the child exits; ending the bridge closes stdin and eventually kills the
// child.
func Spawn(cmd *exec.Cmd, role bridge.Role, contract *bridge.Contract, opts Options) (*Child, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	child := &Child{
		cmd:    cmd,
		logger: opts.Logger.With().Str("component", "child").Int("pid", cmd.Process.Pid).Logger(),
		exited: make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	reader := &doneReader{r: stdout, done: readers.Done}
	go func() {
		defer readers.Done()
		child.logStderr(stderr)
	}()
	go func() {
		// Wait closes the pipes, so it runs once both readers are drained.
		readers.Wait()
		child.err = cmd.Wait()
		if child.err != nil {
			child.logger.Info().Err(child.err).Msg("child exited")
		} else {
			child.logger.Debug().Msg("child exited cleanly")
		}
		close(child.exited)
	}()

	b, err := bindStream("process", &childPipes{Reader: reader, stdin: stdin, child: child}, role, contract, opts)
	if err != nil {
		stdin.Close()
		_ = cmd.Process.Kill()
		go io.Copy(io.Discard, reader)
		return nil, err
	}
	child.Bridge = b
	return child, nil
}

func (c *Child) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, `"level":"error"`), strings.Contains(line, "ERR"):
			c.logger.Error().Str("log", line).Msg("child stderr")
		case strings.Contains(line, `"level":"warn"`), strings.Contains(line, "WRN"):
			c.logger.Warn().Str("log", line).Msg("child stderr")
		default:
			c.logger.Debug().Str("log", line).Msg("child stderr")
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Debug().Err(err).Msg("read child stderr")
	}
}

// doneReader calls done once, on the first read error.
type doneReader struct {
	r    io.Reader
	done func()
	once sync.Once
}

func (d *doneReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if err != nil {
		d.once.Do(d.done)
	}
	return n, err
}

// stdio joins the worker side of a child's pipes.
type stdio struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (s *stdio) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Stdio binds a bridge inside a spawned worker to its own stdin and stdout,
// usually os.Stdin and os.Stdout. Nothing else may write to out.
func Stdio(in io.ReadCloser, out io.WriteCloser, role bridge.Role, contract *bridge.Contract, opts Options) (*bridge.Bridge, error) {
	return bindStream("stdio", &stdio{Reader: in, Writer: out, closers: []io.Closer{out, in}}, role, contract, opts)
}
