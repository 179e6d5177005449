// dere is a personality-layered daemon around an external LLM agent
// runtime: agent sessions, a work queue, scheduled missions, agent
// swarms, and the bond/emotion/rare-event subsystems behind one HTTP
// and WebSocket facade.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dere/dere/internal/common/config"
)

func main() {
	cmd := "start"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "start":
		err = cmdStart()
	case "stop":
		err = cmdStop()
	case "status":
		err = cmdStatus()
	case "restart":
		if err = cmdStop(); err == nil {
			err = cmdStart()
		}
	case "config":
		err = cmdConfig()
	default:
		fmt.Fprintf(os.Stderr, "usage: dere [start|stop|status|restart|config]\n")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "dere %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func pidfilePath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".dere", "dere.pid")
	}
	return filepath.Join(os.TempDir(), "dere.pid")
}

// readPid returns the recorded pid, or 0 when no live daemon exists.
func readPid() int {
	data, err := os.ReadFile(pidfilePath())
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return 0
	}
	return pid
}

func cmdStart() error {
	if pid := readPid(); pid != 0 {
		return fmt.Errorf("already running (pid %d)", pid)
	}

	path := pidfilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return err
	}
	defer os.Remove(path)

	return runDaemon()
}

func cmdStop() error {
	pid := readPid()
	if pid == 0 {
		fmt.Println("not running")
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return err
	}

	for i := 0; i < 50; i++ {
		if syscall.Kill(pid, 0) != nil {
			fmt.Println("stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("pid %d did not exit within 5s", pid)
}

func cmdStatus() error {
	if pid := readPid(); pid != 0 {
		fmt.Printf("running (pid %d)\n", pid)
	} else {
		fmt.Println("not running")
	}
	return nil
}

func cmdConfig() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
