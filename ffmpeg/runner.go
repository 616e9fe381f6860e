package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"vidqueue/config"
	"vidqueue/task"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// ErrAborted is returned when the progress callback asks the run to stop.
var ErrAborted = errors.New("ffmpeg run aborted")

const stderrTail = 2048

type Runner struct {
	cfg    *config.Config
	logger *zap.Logger
	client *http.Client
}

func NewRunner(cfg *config.Config, logger *zap.Logger) (*Runner, error) {
	// Ensure ffmpeg binary is executable
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ffmpeg")
	if _, err := exec.LookPath(cfg.FFProbeBin); err != nil {
		logger.Warn("ffprobe not found, progress will stay at 0 until completion", zap.String("bin", cfg.FFProbeBin))
	}

	return &Runner{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Process runs ffmpeg for one job and feeds progress to report until it declines.
func (r *Runner) Process(ctx context.Context, job task.Job, report task.ProgressFunc) error {
	args, err := BuildArgs(job)
	if err != nil {
		return err
	}

	// 1. Check the input and system resources before starting
	if err := r.checkInput(ctx, job.InputPath); err != nil {
		return fmt.Errorf("input rejected: %w", err)
	}
	outDir := filepath.Dir(job.OutputPath)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("could not create output directory: %w", err)
	}
	if err := r.checkResources(outDir); err != nil {
		return fmt.Errorf("insufficient system resources: %w", err)
	}

	total := r.expectedDuration(ctx, job)

	// 2. Execute command
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmd := exec.CommandContext(runCtx, r.cfg.FFBin, args...)
	cmd.WaitDelay = 5 * time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	r.logger.Info("executing ffmpeg",
		zap.String("task_id", job.ID),
		zap.String("bin", r.cfg.FFBin),
		zap.Strings("args", args),
		zap.Duration("expected_duration", total))

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start failed: %w", err)
	}
	finished, readErr := readProgress(stdout, total, report)
	if !finished {
		cancel()
	}
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	switch {
	case !finished:
		r.removePartial(job)
		return ErrAborted
	case ctx.Err() != nil:
		r.removePartial(job)
		return fmt.Errorf("ffmpeg interrupted: %w", ctx.Err())
	case waitErr != nil:
		// If the command failed, clean up the (likely empty or partial) output file.
		r.removePartial(job)
		return fmt.Errorf("ffmpeg execution failed: %w: %s", waitErr, tail(stderr.String(), stderrTail))
	}
	if readErr != nil {
		r.logger.Warn("reading ffmpeg progress", zap.String("task_id", job.ID), zap.Error(readErr))
	}
	return nil
}

func (r *Runner) removePartial(job task.Job) {
	if err := os.Remove(job.OutputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("removing partial output", zap.String("task_id", job.ID), zap.Error(err))
	}
}

// checkInput enforces MaxInputSize for local files and http(s) sources.
func (r *Runner) checkInput(ctx context.Context, input string) error {
	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, input, nil)
		if err != nil {
			return err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("input not reachable, status: %s", resp.Status)
		}
		if r.cfg.MaxInputSize > 0 && resp.ContentLength > r.cfg.MaxInputSize {
			return fmt.Errorf("input file size %d exceeds limit of %d bytes", resp.ContentLength, r.cfg.MaxInputSize)
		}
		return nil
	}

	info, err := os.Stat(input)
	if err != nil {
		return fmt.Errorf("could not open local input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input %s is a directory", input)
	}
	if r.cfg.MaxInputSize > 0 && info.Size() > r.cfg.MaxInputSize {
		return fmt.Errorf("input file size %d exceeds limit of %d bytes", info.Size(), r.cfg.MaxInputSize)
	}
	return nil
}

// expectedDuration is the length of the output ffmpeg will write, or 0 when unknown.
func (r *Runner) expectedDuration(ctx context.Context, job task.Job) time.Duration {
	var start, end float64
	if job.Type == task.TypeSplit {
		start, end, _ = splitWindow(job.Config)
		if end > 0 {
			return seconds(end - start)
		}
	}

	probed, err := r.probeDuration(ctx, job.InputPath)
	if err != nil {
		r.logger.Warn("could not probe input duration", zap.String("task_id", job.ID), zap.Error(err))
		return 0
	}
	if probed <= start {
		return 0
	}
	return seconds(probed - start)
}

func (r *Runner) probeDuration(ctx context.Context, input string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, r.cfg.FFProbeBin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		input,
	).Output()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
}

// checkResources verifies that the system has enough free resources to start a new job.
func (r *Runner) checkResources(dir string) error {
	// CPU
	if r.cfg.ThrottleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			r.logger.Warn("could not get CPU usage", zap.Error(err))
		} else if len(p) > 0 && p[0] > (100.0-r.cfg.ThrottleCPU) {
			return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], r.cfg.ThrottleCPU)
		}
	}

	// Memory
	vm, err := mem.VirtualMemory()
	if err != nil {
		r.logger.Warn("could not get memory usage", zap.Error(err))
	} else if vm.Available < uint64(r.cfg.ThrottleFreeMem) {
		return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, r.cfg.ThrottleFreeMem)
	}

	// Disk
	d, err := disk.Usage(dir)
	if err != nil {
		r.logger.Warn("could not get disk usage", zap.String("dir", dir), zap.Error(err))
	} else if d.Free < uint64(r.cfg.ThrottleFreeDisk) {
		return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, r.cfg.ThrottleFreeDisk)
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
