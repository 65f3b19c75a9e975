package kiosk

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
)

// InhibitWakeLock holds a systemd idle/sleep inhibitor on the kiosk host
// for as long as the lock is acquired.
type InhibitWakeLock struct {
	binary string
	who    string

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewInhibitWakeLock creates a host wake lock. who is shown by
// `systemd-inhibit --list`.
func NewInhibitWakeLock(who string) *InhibitWakeLock {
	if who == "" {
		who = "chipins-kiosk"
	}
	return &InhibitWakeLock{binary: "systemd-inhibit", who: who}
}

// Acquire starts the inhibitor process. It is a no-op while held.
func (w *InhibitWakeLock) Acquire(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cmd != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(w.binary,
		"--what=idle:sleep",
		"--who="+w.who,
		"--why=kiosk session active",
		"--mode=block",
		"sleep", "infinity",
	)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", w.binary, err)
	}
	w.cmd = cmd

	go func() {
		cmd.Wait()
		w.mu.Lock()
		if w.cmd == cmd {
			w.cmd = nil
		}
		w.mu.Unlock()
	}()
	return nil
}

// Release stops the inhibitor.
func (w *InhibitWakeLock) Release(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cmd == nil {
		return nil
	}
	err := w.cmd.Process.Kill()
	w.cmd = nil
	if err != nil {
		return fmt.Errorf("stop %s: %w", w.binary, err)
	}
	return nil
}

// Held reports whether the inhibitor process is running.
func (w *InhibitWakeLock) Held() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cmd != nil
}
