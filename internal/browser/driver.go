package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/loykin/browsertools/internal/process"
)

// ErrNotReachable is returned when the DevTools endpoint does not answer.
var ErrNotReachable = errors.New("browser: devtools endpoint not reachable")

// Readiness defaults for a freshly launched browser.
const (
	DefaultReadyAttempts = 30
	DefaultReadyInterval = 500 * time.Millisecond
)

// Page is an open tab.
type Page struct {
	ID    string
	URL   string
	Title string
}

// Version is the payload of /json/version.
type Version struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Driver is the subset of the DevTools protocol the session needs.
type Driver interface {
	Ping(ctx context.Context) (Version, error)
	ListPages(ctx context.Context) ([]Page, error)
	ClosePage(ctx context.Context, id string) error
}

// CDPDriver talks to a browser on Host:Port. Discovery goes through the
// HTTP /json/version endpoint and target operations through chromedp.
type CDPDriver struct {
	Host   string
	Port   int
	Client *http.Client
}

// NewCDPDriver returns a driver for the local debugging port.
func NewCDPDriver(port int) *CDPDriver {
	return &CDPDriver{Host: "127.0.0.1", Port: port}
}

func (d *CDPDriver) baseURL() string {
	return "http://" + net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d *CDPDriver) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return &http.Client{Timeout: 2 * time.Second}
}

// Ping fetches /json/version. Any failure wraps ErrNotReachable.
func (d *CDPDriver) Ping(ctx context.Context) (Version, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL()+"/json/version", nil)
	if err != nil {
		return Version{}, fmt.Errorf("%w: %v", ErrNotReachable, err)
	}
	resp, err := d.client().Do(req)
	if err != nil {
		return Version{}, fmt.Errorf("%w: %v", ErrNotReachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Version{}, fmt.Errorf("%w: status %d", ErrNotReachable, resp.StatusCode)
	}
	var v Version
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return Version{}, fmt.Errorf("%w: decode version: %v", ErrNotReachable, err)
	}
	if v.WebSocketDebuggerURL == "" {
		return Version{}, fmt.Errorf("%w: no websocket debugger url", ErrNotReachable)
	}
	return v, nil
}

// attach connects chromedp to the running browser without opening a tab.
func (d *CDPDriver) attach(ctx context.Context) (context.Context, context.CancelFunc, error) {
	v, err := d.Ping(ctx)
	if err != nil {
		return nil, nil, err
	}
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, v.WebSocketDebuggerURL, chromedp.NoModifyURL)
	cctx, cancel := chromedp.NewContext(allocCtx)
	return cctx, func() {
		cancel()
		allocCancel()
	}, nil
}

// ListPages returns the open page targets.
func (d *CDPDriver) ListPages(ctx context.Context) ([]Page, error) {
	cctx, cancel, err := d.attach(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	infos, err := chromedp.Targets(cctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return pagesOf(infos), nil
}

func pagesOf(infos []*target.Info) []Page {
	var pages []Page
	for _, ti := range infos {
		if ti == nil || ti.Type != "page" {
			continue
		}
		pages = append(pages, Page{ID: string(ti.TargetID), URL: ti.URL, Title: ti.Title})
	}
	return pages
}

// ClosePage closes one target by id.
func (d *CDPDriver) ClosePage(ctx context.Context, id string) error {
	cctx, cancel, err := d.attach(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	// allocates the browser connection
	if _, err := chromedp.Targets(cctx); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	c := chromedp.FromContext(cctx)
	if err := target.CloseTarget(target.ID(id)).Do(cdp.WithExecutor(cctx, c.Browser)); err != nil {
		return fmt.Errorf("close page %s: %w", id, err)
	}
	return nil
}

// WaitReady pings d up to attempts times, interval apart.
func WaitReady(ctx context.Context, d Driver, attempts int, interval time.Duration) (Version, error) {
	if attempts <= 0 {
		attempts = DefaultReadyAttempts
	}
	if interval <= 0 {
		interval = DefaultReadyInterval
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := d.Ping(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if err := process.Sleep(ctx, interval); err != nil {
			return Version{}, fmt.Errorf("%w: %v", ErrNotReachable, err)
		}
	}
	if !errors.Is(lastErr, ErrNotReachable) {
		lastErr = fmt.Errorf("%w: %v", ErrNotReachable, lastErr)
	}
	return Version{}, lastErr
}

// CloseAll closes every open page and returns how many were closed.
// Individual failures are collected, never fatal.
func CloseAll(ctx context.Context, d Driver) (int, error) {
	pages, err := d.ListPages(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, p := range pages {
		if err := d.ClosePage(ctx, p.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
