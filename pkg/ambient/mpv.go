package ambient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MPVConfig configures the mpv backend.
type MPVConfig struct {
	// Binary is the mpv executable.
	Binary string

	// SocketDir holds the per-instance IPC sockets.
	SocketDir string

	// ExtraArgs are appended to the mpv command line (e.g. --audio-device).
	ExtraArgs []string
}

// DefaultMPVConfig returns defaults for a Linux kiosk host.
func DefaultMPVConfig() MPVConfig {
	return MPVConfig{
		Binary:    "mpv",
		SocketDir: os.TempDir(),
	}
}

// MPVOutput plays tracks with a local mpv process per instance, controlled
// over mpv's JSON IPC socket. It is used when the kiosk host drives its own
// speakers instead of the page.
type MPVOutput struct {
	cfg MPVConfig
}

// NewMPVOutput creates an mpv output.
func NewMPVOutput(cfg MPVConfig) *MPVOutput {
	if cfg.Binary == "" {
		cfg.Binary = "mpv"
	}
	if cfg.SocketDir == "" {
		cfg.SocketDir = os.TempDir()
	}
	return &MPVOutput{cfg: cfg}
}

// Name returns "mpv".
func (o *MPVOutput) Name() string { return "mpv" }

// Load starts mpv paused at volume 0 and waits for its IPC socket.
func (o *MPVOutput) Load(ctx context.Context, track Track) (Instance, error) {
	sock := filepath.Join(o.cfg.SocketDir, "chipins-mpv-"+uuid.NewString()[:8]+".sock")

	args := []string{
		"--no-video",
		"--no-terminal",
		"--pause",
		"--volume=0",
		"--loop-file=inf",
		"--input-ipc-server=" + sock,
	}
	args = append(args, o.cfg.ExtraArgs...)
	args = append(args, track.URL)

	cmd := exec.Command(o.cfg.Binary, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start mpv: %w", err)
	}

	inst := &mpvInstance{cmd: cmd, sock: sock, exited: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(inst.exited)
	}()

	if err := inst.connect(ctx); err != nil {
		inst.Release()
		return nil, err
	}
	return inst, nil
}

type mpvInstance struct {
	cmd    *exec.Cmd
	sock   string
	exited chan struct{}

	mu       sync.Mutex
	conn     net.Conn
	reader   *bufio.Reader
	released bool
}

// connect dials the IPC socket, retrying until mpv has created it.
func (i *mpvInstance) connect(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		conn, err := net.Dial("unix", i.sock)
		if err == nil {
			i.mu.Lock()
			i.conn = conn
			i.reader = bufio.NewReader(conn)
			i.mu.Unlock()
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("mpv ipc %s: %w", i.sock, ctx.Err())
		case <-i.exited:
			return fmt.Errorf("mpv exited before ipc was ready")
		case <-ticker.C:
		}
	}
}

type mpvRequest struct {
	Command []any `json:"command"`
}

type mpvResponse struct {
	Error string `json:"error"`
	Event string `json:"event"`
}

// setProperty sends one set_property command and waits for its reply.
func (i *mpvInstance) setProperty(name string, value any) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.released {
		return ErrReleased
	}

	data, err := json.Marshal(mpvRequest{Command: []any{"set_property", name, value}})
	if err != nil {
		return err
	}
	i.conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := i.conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("mpv ipc write: %w", err)
	}

	// Skip asynchronous events until the command reply arrives.
	for {
		line, err := i.reader.ReadBytes('\n')
		if err != nil {
			return fmt.Errorf("mpv ipc read: %w", err)
		}
		var resp mpvResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		if resp.Event != "" {
			continue
		}
		if resp.Error != "" && resp.Error != "success" {
			return fmt.Errorf("mpv set %s: %s", name, resp.Error)
		}
		return nil
	}
}

func (i *mpvInstance) Start(ctx context.Context) error {
	return i.setProperty("pause", false)
}

// SetVolume maps [0,1] onto mpv's 0-100 scale.
func (i *mpvInstance) SetVolume(v float64) error {
	return i.setProperty("volume", v*100)
}

func (i *mpvInstance) Release() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.released {
		return nil
	}
	i.released = true

	if i.conn != nil {
		i.conn.Close()
	}
	if i.cmd.Process != nil {
		i.cmd.Process.Kill()
	}
	select {
	case <-i.exited:
	case <-time.After(2 * time.Second):
	}
	os.Remove(i.sock)
	return nil
}
