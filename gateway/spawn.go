package gateway

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/JammyGeeza/Archipelago-sub000/store"
)

// spawnProcess starts the real agent executable with the room's connection
// parameters. The agent's stderr is inherited so its logs land next to the
// gateway's; stdout is reserved for frames.
func (s *Supervisor) spawnProcess(ctx context.Context, cfg store.RoomConfig) (process, error) {
	args := []string{
		"--address", cfg.Address,
		"--multidata", cfg.MultidataPath,
		"--savedata", cfg.SavedataPath,
		"--loglevel", s.opts.LogLevel,
	}
	if cfg.Password != "" {
		args = append(args, "--password", cfg.Password)
	}

	cmd := exec.Command(s.opts.AgentBin, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open agent stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	return &osProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type osProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *osProcess) Stdin() io.Writer  { return p.stdin }
func (p *osProcess) Stdout() io.Reader { return p.stdout }

func (p *osProcess) Wait() error {
	return p.cmd.Wait()
}

// Terminate asks the agent to shut down. SIGTERM first; the watcher handles
// whatever exit follows.
func (p *osProcess) Terminate() error {
	_ = p.stdin.Close()
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}
