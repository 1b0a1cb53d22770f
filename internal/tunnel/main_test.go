package tunnel

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"testing"
	"time"
)

// The test binary doubles as a stand-in SOCKS proxy when invoked as
// "<binary> fake-proxy ...".
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == "fake-proxy" {
		os.Exit(runFakeProxy(os.Args[2:]))
	}
	os.Exit(m.Run())
}

func runFakeProxy(args []string) int {
	fs := flag.NewFlagSet("fake-proxy", flag.ContinueOnError)
	host := fs.String("host", "127.0.0.1", "listen host")
	port := fs.Int("port", 0, "listen port")
	fail := fs.Bool("fail", false, "exit 1 immediately")
	noListen := fs.Bool("no-listen", false, "never open the port")
	ignoreInt := fs.Bool("ignore-int", false, "ignore SIGINT")
	delay := fs.Duration("delay", 0, "wait before listening")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *fail {
		return 1
	}

	sigs := make(chan os.Signal, 1)
	if *ignoreInt {
		signal.Ignore(syscall.SIGINT)
		signal.Notify(sigs, syscall.SIGTERM)
	} else {
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	}

	time.Sleep(*delay)
	if !*noListen {
		ln, err := net.Listen("tcp", net.JoinHostPort(*host, strconv.Itoa(*port)))
		if err != nil {
			return 3
		}
		defer ln.Close()
		go func() {
			for {
				c, err := ln.Accept()
				if err != nil {
					return
				}
				_ = c.Close()
			}
		}()
	}

	select {
	case <-sigs:
		return 0
	case <-time.After(time.Minute):
		return 4
	}
}
