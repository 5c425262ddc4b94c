package browser

import (
	"fmt"
	"os"
	"os/exec"
	"time"
)

// startXvfb starts a virtual display for headful mode. When Xvfb is not
// installed and the host already has a DISPLAY, that one is used.
func (m *Manager) startXvfb() error {
	if m.xvfb != nil {
		return nil
	}
	if _, err := exec.LookPath(m.cfg.XvfbBin); err != nil {
		if os.Getenv("DISPLAY") != "" {
			m.cfg.Logger.Info("browser: xvfb not found, using host display", "display", os.Getenv("DISPLAY"))
			return nil
		}
		return fmt.Errorf("no %s binary and no DISPLAY set", m.cfg.XvfbBin)
	}

	display := m.cfg.XvfbDisplay
	screen := fmt.Sprintf("%dx%dx24", m.cfg.Width, m.cfg.Height)
	cmd := exec.Command(m.cfg.XvfbBin, display, "-screen", "0", screen, "-ac")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start xvfb: %w", err)
	}
	m.xvfb = cmd

	time.Sleep(500 * time.Millisecond)

	m.cfg.Logger.Info("browser: xvfb started", "display", display, "pid", cmd.Process.Pid)
	return nil
}

func (m *Manager) stopXvfb() {
	if m.xvfb == nil {
		return
	}
	if m.xvfb.Process != nil {
		m.xvfb.Process.Kill()
		m.xvfb.Wait()
	}
	m.cfg.Logger.Info("browser: xvfb stopped")
	m.xvfb = nil
}
