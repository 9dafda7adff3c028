package supervisor

import (
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/loykin/janus/internal/logger"
	"github.com/loykin/janus/internal/process"
)

// streams owns the pipes and log files of one run.
type streams struct {
	name       string
	outR, outW *os.File
	errR, errW *os.File
	outFile    io.WriteCloser
	errFile    io.WriteCloser
}

// attachStreams wires cmd's stdout/stderr to fresh pipes. The child gets the
// write ends as *os.File so exec does not start copy goroutines of its own.
func (s *Supervisor) attachStreams(spec *process.Spec, cmd *exec.Cmd) (*streams, error) {
	st := &streams{name: spec.Name}
	var err error
	if st.outR, st.outW, err = os.Pipe(); err != nil {
		return nil, err
	}
	if st.errR, st.errW, err = os.Pipe(); err != nil {
		st.closeAll()
		return nil, err
	}
	st.outFile, st.errFile, err = spec.Log.Or(s.opts.Output).Writers(spec.Name)
	if err != nil {
		st.closeAll()
		return nil, err
	}
	cmd.Stdin = nil
	cmd.Stdout = st.outW
	cmd.Stderr = st.errW
	return st, nil
}

// started releases the parent's copies of the write ends and, if the child
// is running, begins copying its output.
func (st *streams) started(ok bool, stdout, stderr io.Writer, log *slog.Logger) {
	_ = st.outW.Close()
	_ = st.errW.Close()
	if !ok {
		_ = st.outR.Close()
		_ = st.errR.Close()
		closeIf(st.outFile)
		closeIf(st.errFile)
		return
	}
	go pump(st.outR, st.name, log, stdout, st.outFile)
	go pump(st.errR, st.name, log, stderr, st.errFile)
}

func (st *streams) closeAll() {
	for _, f := range []*os.File{st.outR, st.outW, st.errR, st.errW} {
		if f != nil {
			_ = f.Close()
		}
	}
	closeIf(st.outFile)
	closeIf(st.errFile)
}

func pump(r *os.File, name string, log *slog.Logger, console io.Writer, file io.WriteCloser) {
	defer func() {
		_ = r.Close()
		closeIf(file)
	}()
	if err := logger.Capture(r, name, console, file); err != nil {
		log.Debug("output capture ended", "name", name, "error", err)
	}
}

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
