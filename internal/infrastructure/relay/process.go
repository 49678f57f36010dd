package relay

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"camrelay/internal/core/domain"

	"go.uber.org/zap"
)

// Process is a running transcoder. Wait may be called any number of times
// and returns the same exit error each time; Done is closed once it has.
type Process interface {
	PID() int
	Output() io.Reader
	Stop() error
	Kill() error
	Wait() error
	Done() <-chan struct{}
}

type Launcher interface {
	Launch(ctx context.Context, source *domain.Source, profile domain.QualityProfile) (Process, error)
}

// FFmpegArgs builds the transcoder command line for one source. Output is
// an MPEG-TS stream on stdout.
func FFmpegArgs(locator string, p domain.QualityProfile) []string {
	return []string{
		"-rtsp_transport", "tcp",
		"-i", locator,
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-crf", strconv.Itoa(p.CRF),
		"-maxrate", fmt.Sprintf("%dk", p.Bitrate),
		"-bufsize", fmt.Sprintf("%dk", p.BufSize),
		"-vf", fmt.Sprintf("scale=%d:%d", p.Width, p.Height),
		"-r", strconv.Itoa(p.FPS),
		"-f", "mpegts",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"pipe:1",
	}
}

type FFmpegLauncher struct {
	path   string
	logger *zap.SugaredLogger
}

func NewFFmpegLauncher(path string, logger *zap.SugaredLogger) *FFmpegLauncher {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegLauncher{path: path, logger: logger}
}

// Launch starts ffmpeg detached from ctx; the supervisor decides when the
// process ends.
func (l *FFmpegLauncher) Launch(ctx context.Context, source *domain.Source, profile domain.QualityProfile) (Process, error) {
	cmd := exec.Command(l.path, FFmpegArgs(source.Locator, profile)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: 2048}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.path, err)
	}

	l.logger.Infow("transcoder started",
		"source_id", source.ID,
		"pid", cmd.Process.Pid,
		"quality", profile.Tier,
	)
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr, done: make(chan struct{})}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr *tailBuffer

	once sync.Once
	err  error
	done chan struct{}
}

func (p *execProcess) PID() int          { return p.cmd.Process.Pid }
func (p *execProcess) Output() io.Reader { return p.stdout }

func (p *execProcess) Stop() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

// Wait must only be called after Output has been read to EOF.
func (p *execProcess) Wait() error {
	p.once.Do(func() {
		if err := p.cmd.Wait(); err != nil {
			if tail := p.stderr.String(); tail != "" {
				err = fmt.Errorf("%w: %s", err, tail)
			}
			p.err = err
		}
		close(p.done)
	})
	<-p.done
	return p.err
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
