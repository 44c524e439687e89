package codec

import (
	"bytes"
	"io"
	"sync"

	"github.com/vidflow/vidflow/ffrun"
	"github.com/vidflow/vidflow/media"
	"github.com/vidflow/vidflow/stage"
)

// fakeProcImpl stands in for an ffmpeg process: the stage's stdin
// writes land in a buffer, and the test feeds the stage's stdout reads
// through a pipe. When closeOutOnInEOF is set, stdout closes once the
// stage closes stdin, mimicking a process that flushes and exits.
type fakeProcImpl struct {
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	stopped bool
}

func newFakeProc(closeOutOnInEOF bool) *fakeProcImpl {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	p := &fakeProcImpl{stdinW: stdinW, stdoutR: stdoutR, stdoutW: stdoutW}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stdinR.Read(buf)
			if n > 0 {
				p.mu.Lock()
				p.written.Write(buf[:n])
				p.mu.Unlock()
			}
			if err != nil {
				break
			}
		}
		if closeOutOnInEOF {
			stdoutW.Close()
		}
	}()
	return p
}

func (p *fakeProcImpl) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcImpl) Stdout() io.Reader     { return p.stdoutR }

func (p *fakeProcImpl) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.stdinW.Close()
	p.stdoutW.Close()
	p.stdoutR.Close()
}

func (p *fakeProcImpl) Wait() error { return nil }

// feed writes data into the process's stdout for the stage to read.
func (p *fakeProcImpl) feed(data []byte) {
	p.stdoutW.Write(data)
}

func (p *fakeProcImpl) writtenBytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written.Bytes()...)
}

type fakeLauncher struct {
	mu              sync.Mutex
	procs           []*fakeProcImpl
	closeOutOnInEOF bool
	lastArgs        []string
}

func (l *fakeLauncher) Launch(name string, args []string) (ffrun.Proc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := newFakeProc(l.closeOutOnInEOF)
	l.procs = append(l.procs, p)
	l.lastArgs = args
	return p, nil
}

func (l *fakeLauncher) proc(i int) *fakeProcImpl {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

// unitSink terminates a chain and records everything it receives.
type unitSink struct {
	stage.Base
	mu      sync.Mutex
	packets []*media.Packet
	frames  []*media.Frame
	seen    chan struct{}
}

func newUnitSink() *unitSink {
	return &unitSink{Base: stage.NewBase("sink", nil), seen: make(chan struct{}, 256)}
}

func (s *unitSink) Initialize() error { return nil }
func (s *unitSink) Stop()             {}

func (s *unitSink) Process(u *media.Unit) {
	s.mu.Lock()
	if p := u.Packet(); p != nil {
		s.packets = append(s.packets, p)
	}
	if f := u.Frame(); f != nil {
		s.frames = append(s.frames, f)
	}
	s.mu.Unlock()
	s.seen <- struct{}{}
}
