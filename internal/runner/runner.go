// Package runner launches a script through a configured interpreter.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

const Usage = "usage: loqa-run <filename>"

// Runner starts `<interpreter...> <filename>` child processes.
type Runner struct {
	interpreter []string
	log         *slog.Logger
}

func New(interpreter string, log *slog.Logger) (*Runner, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(interpreter)
	if err != nil {
		return nil, fmt.Errorf("parse interpreter: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("interpreter command empty")
	}
	return &Runner{interpreter: args, log: log.With(slog.String("component", "runner"))}, nil
}

func (r *Runner) command(ctx context.Context, filename string) *exec.Cmd {
	args := append(append([]string{}, r.interpreter[1:]...), filename)
	return exec.CommandContext(ctx, r.interpreter[0], args...)
}

// Run executes filename with the given stdio and returns the child's exit
// code. A non-zero exit is not an error; failing to start is.
func (r *Runner) Run(ctx context.Context, filename string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	cmd := r.command(ctx, filename)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return exitCode(cmd.Run())
}

// RunLogged executes filename and logs each line the child writes, stdout at
// info and stderr at warn.
func (r *Runner) RunLogged(ctx context.Context, filename string) (int, error) {
	cmd := r.command(ctx, filename)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, err
	}
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start %s: %w", filename, err)
	}

	log := r.log.With(slog.String("script", filename), slog.Int("pid", cmd.Process.Pid))
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		forwardLines(stdout, func(line string) { log.Info("child output", slog.String("line", line)) })
	}()
	go func() {
		defer wg.Done()
		forwardLines(stderr, func(line string) { log.Warn("child error output", slog.String("line", line)) })
	}()
	wg.Wait()

	code, err := exitCode(cmd.Wait())
	if err == nil {
		log.Info("child exited", slog.Int("code", code))
	}
	return code, err
}

func forwardLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fn(scanner.Text())
	}
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Main implements the loqa-run command line: exactly one filename argument,
// handed to spawn. It returns the process exit code.
func Main(ctx context.Context, args []string, stderr io.Writer, spawn func(ctx context.Context, filename string) (int, error)) int {
	if len(args) != 1 || args[0] == "" {
		fmt.Fprintln(stderr, Usage)
		return 1
	}
	code, err := spawn(ctx, args[0])
	if err != nil {
		fmt.Fprintf(stderr, "loqa-run: %v\n", err)
		return 1
	}
	return code
}
