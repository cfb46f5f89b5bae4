package capture

import (
	"bufio"
	"context"
	"image"
	"io"
	"net/url"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-mjpeg"
	"github.com/pkg/errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/internal/logger"
)

const ffmpegBoundary = "ffmpeg"

var ffmpegLog = logger.For("FFmpeg")

// FFmpegOpener decodes any input ffmpeg understands and re-muxes it to a
// multipart JPEG stream on stdout.
type FFmpegOpener struct {
	Path      string   // ffmpeg binary, default "ffmpeg"
	Input     string   // URL or file path handed to -i
	ExtraArgs []string // inserted before -i
}

// NewFFmpegOpener returns an opener for input using the ffmpeg on PATH.
func NewFFmpegOpener(input string) *FFmpegOpener {
	return &FFmpegOpener{Path: "ffmpeg", Input: input}
}

// Args returns the ffmpeg command line (without the binary).
func (o *FFmpegOpener) Args() []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
	}
	if isRTSP(o.Input) {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args, o.ExtraArgs...)
	args = append(args,
		"-i", o.Input,
		"-an",
		"-f", "mpjpeg",
		"-boundary_tag", ffmpegBoundary,
		"pipe:1",
	)
	return args
}

func isRTSP(input string) bool {
	u, err := url.Parse(input)
	if err != nil {
		return false
	}
	s := strings.ToLower(u.Scheme)
	return s == "rtsp" || s == "rtsps"
}

// Open starts ffmpeg. The process is killed when ctx is cancelled or the
// source is closed.
func (o *FFmpegOpener) Open(ctx context.Context) (Source, error) {
	path := o.Path
	if path == "" {
		path = "ffmpeg"
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, path, o.Args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "ffmpeg stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "ffmpeg stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errors.Wrapf(err, "start %s", path)
	}
	ffmpegLog.Debug("started pid=%d input=%s", cmd.Process.Pid, o.Input)

	go forwardLines(stderr)

	src := &ffmpegSource{
		cmd:    cmd,
		cancel: cancel,
		parts:  newPartReader(mjpeg.NewDecoder(stdout, ffmpegBoundary)),
	}
	return src, nil
}

// forwardLines copies ffmpeg diagnostics into the log.
func forwardLines(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			ffmpegLog.Warn("%s", line)
		}
	}
}

type ffmpegSource struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	parts  *partReader
	once   sync.Once
}

func (s *ffmpegSource) Grab() error {
	if err := s.parts.grab(); err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		return errors.Wrap(err, "ffmpeg stream")
	}
	return nil
}

func (s *ffmpegSource) Retrieve() (image.Image, error) {
	return s.parts.retrieve()
}

func (s *ffmpegSource) Close() error {
	s.once.Do(func() {
		s.parts.close()
		s.cancel()
		// Wait reaps the process and closes the pipes, ending the reader.
		if err := s.cmd.Wait(); err != nil {
			ffmpegLog.Debug("exited: %v", err)
		}
		if n := s.parts.skipped(); n > 0 {
			ffmpegLog.Debug("skipped %d stale frames", n)
		}
	})
	return nil
}
