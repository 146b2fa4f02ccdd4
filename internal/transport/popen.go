package transport

import (
	"fmt"
	"io"
	"os/exec"
	"reflect"
	"sync"
)

// Popen is a long-lived child process with live stdin/stdout pipes, used for
// the HelperChannel (§4.4) which needs a persistent line-JSON conversation
// rather than a single run-to-completion Cmd.
type Popen struct {
	cmd    *exec.Cmd
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	done    chan struct{}
	mu      sync.Mutex
	exited  bool
	waitErr error
}

// Write satisfies helper.Process, writing to the child's stdin.
func (p *Popen) Write(b []byte) (int, error) {
	return p.Stdin.Write(b)
}

// Exited reports whether the child process has already terminated,
// observed via a background Wait() goroutine started at launch.
func (p *Popen) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// WaitErr returns the error Wait() finished with, valid only once Exited().
func (p *Popen) WaitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Terminate closes the child's stdin, the signal atex-virt-helper uses to
// release every reservation it is holding on behalf of this Provisioner,
// then waits for the process to exit.
func (p *Popen) Terminate() error {
	_ = p.Stdin.Close()
	<-p.done
	return p.WaitErr()
}

// popenLauncher is implemented by transport backends that can start a
// streaming child process instead of a run-to-completion Cmd.
type popenLauncher interface {
	popen(argv []string) (*Popen, error)
}

// StartPopen launches argv on conn as a long-lived child, if conn supports
// it. Only Local, ContainerExec and the SSH backends do (every Connection
// variant named in §4.3), either directly or as the Connection embedded in
// a wrapper type such as a provisioned Remote.
func StartPopen(conn Connection, argv []string) (*Popen, error) {
	if l, ok := conn.(popenLauncher); ok {
		return l.popen(argv)
	}
	// Embedding a Connection does not promote the unexported popen method,
	// so launch through the embedded Connection instead.
	if v := reflect.Indirect(reflect.ValueOf(conn)); v.Kind() == reflect.Struct {
		connType := reflect.TypeOf((*Connection)(nil)).Elem()
		for i := 0; i < v.NumField(); i++ {
			if f := v.Type().Field(i); f.Anonymous && f.Type == connType {
				if inner, ok := v.Field(i).Interface().(Connection); ok {
					return StartPopen(inner, argv)
				}
			}
		}
	}
	return nil, fmt.Errorf("transport: %s does not support streaming child processes", conn.Label())
}

func launch(cmd *exec.Cmd) (*Popen, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &Popen{cmd: cmd, Stdin: stdin, Stdout: stdout, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exited = true
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}
