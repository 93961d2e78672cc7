package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
)

// ExecStart returns a StartFunc that launches the agent binary with the
// spawn spec as immutable startup arguments.
func ExecStart(agentBin, busURL string) StartFunc {
	return func(spec SpawnSpec) (Handle, error) {
		cmd := exec.Command(agentBin,
			"-id", strconv.FormatUint(spec.ID, 10),
			"-kind", spec.Kind,
			"-x", strconv.Itoa(spec.X),
			"-y", strconv.Itoa(spec.Y),
			"-energy", strconv.Itoa(spec.Energy),
			"-bus", busURL,
		)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		h := &execHandle{cmd: cmd, done: make(chan int, 1)}
		go func() {
			err := cmd.Wait()
			code := 0
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else if err != nil {
				code = -1
			}
			h.done <- code
		}()
		return h, nil
	}
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan int
}

func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *execHandle) Done() <-chan int { return h.done }
