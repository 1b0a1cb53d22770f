package detector

import (
	"context"
	"net"
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func TestPIDDetector(t *testing.T) {
	d := PIDDetector{PID: os.Getpid()}
	alive, err := d.Alive()
	if err != nil || !alive {
		t.Fatalf("current process should be alive, got %v %v", alive, err)
	}
	if d.Describe() == "" {
		t.Fatal("empty Describe")
	}
	for _, pid := range []int{0, -1} {
		alive, err = PIDDetector{PID: pid}.Alive()
		if err != nil || alive {
			t.Fatalf("pid %d: expected false,nil got %v %v", pid, alive, err)
		}
	}
}

func TestPIDDetectorExitedChild(t *testing.T) {
	requireUnix(t)
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	pid := cmd.Process.Pid
	// unreaped: zombie must not count as alive on Linux
	time.Sleep(100 * time.Millisecond)
	if runtime.GOOS == "linux" {
		if alive, _ := (PIDDetector{PID: pid}).Alive(); alive {
			t.Fatalf("zombie pid %d reported alive", pid)
		}
	}
	_ = cmd.Wait()
	if alive, _ := (PIDDetector{PID: pid}).Alive(); alive {
		t.Fatalf("reaped pid %d reported alive", pid)
	}
}

func TestPortDetector(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	d := PortDetector{Host: "127.0.0.1", Port: port, Timeout: 500 * time.Millisecond}
	if alive, err := d.Alive(); err != nil || !alive {
		t.Fatalf("listener should be detected, got %v %v", alive, err)
	}
	if d.Describe() != "tcp:"+ln.Addr().String() {
		t.Fatalf("Describe mismatch: %q", d.Describe())
	}

	_ = ln.Close()
	if alive, err := d.Alive(); alive || err == nil {
		t.Fatalf("closed listener should not be detected, got %v %v", alive, err)
	}
}

func TestPortDetectorHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := PortDetector{Host: "127.0.0.1", Port: 9}
	if err := d.Probe(ctx); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestProfileDetectorMatches(t *testing.T) {
	d := ProfileDetector{UserDataDir: "/tmp/cache/automation-profile"}
	cases := []struct {
		args []string
		want bool
	}{
		{[]string{"chromium", "--user-data-dir=/tmp/cache/automation-profile"}, true},
		{[]string{"chromium", "--user-data-dir=/tmp/cache/automation-profile/"}, true},
		{[]string{"chromium", "--user-data-dir", "/tmp/cache/automation-profile"}, true},
		{[]string{"chromium", "--user-data-dir=/tmp/other"}, false},
		{[]string{"chromium"}, false},
	}
	for _, c := range cases {
		if got := d.Matches(c.args); got != c.want {
			t.Fatalf("Matches(%q) = %v, want %v", c.args, got, c.want)
		}
	}

	d.Executable = "Brave Browser"
	if d.Matches([]string{"chromium", "--user-data-dir=/tmp/cache/automation-profile"}) {
		t.Fatal("executable hint should filter out chromium")
	}
	if !d.Matches([]string{"/Applications/Brave Browser.app/Contents/MacOS/Brave Browser", "--user-data-dir=/tmp/cache/automation-profile"}) {
		t.Fatal("executable hint should match Brave")
	}
	if (ProfileDetector{}).Matches([]string{"x", "--user-data-dir="}) {
		t.Fatal("empty profile must never match")
	}
}

func TestProfileDetectorFindsChild(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	cmd := exec.Command("sh", "-c", "sleep 5; exit 0", "fake-browser", "--user-data-dir="+dir)
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	d := ProfileDetector{UserDataDir: dir}
	deadline := time.Now().Add(2 * time.Second)
	for {
		pids, err := d.PIDs(context.Background())
		if err != nil {
			t.Fatalf("PIDs: %v", err)
		}
		for _, p := range pids {
			if p == cmd.Process.Pid {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("child %d not found in %v", cmd.Process.Pid, pids)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
