// Package browsertest provides an in-memory browser.Driver.
package browsertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/loykin/browsertools/internal/browser"
)

// Driver fakes a DevTools endpoint. It answers Ping once Up is set and
// keeps a list of open pages.
type Driver struct {
	mu      sync.Mutex
	up      bool
	pages   []browser.Page
	pings   int
	closed  []string
	// UpAfter makes the driver come up on that ping number (1-based).
	UpAfter int
	// CloseErr fails ClosePage for the named page ids.
	CloseErr map[string]error
	// ListErr fails ListPages.
	ListErr error
}

func New(pages ...browser.Page) *Driver {
	return &Driver{pages: append([]browser.Page(nil), pages...)}
}

// SetUp toggles reachability.
func (d *Driver) SetUp(up bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.up = up
}

func (d *Driver) Ping(context.Context) (browser.Version, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pings++
	if d.UpAfter > 0 && d.pings >= d.UpAfter {
		d.up = true
	}
	if !d.up {
		return browser.Version{}, fmt.Errorf("%w: connection refused", browser.ErrNotReachable)
	}
	return browser.Version{Browser: "Fake/1.0", WebSocketDebuggerURL: "ws://127.0.0.1:9222/devtools/browser/fake"}, nil
}

func (d *Driver) ListPages(context.Context) ([]browser.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.up {
		return nil, browser.ErrNotReachable
	}
	if d.ListErr != nil {
		return nil, d.ListErr
	}
	return append([]browser.Page(nil), d.pages...), nil
}

func (d *Driver) ClosePage(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.CloseErr[id]; err != nil {
		return err
	}
	for i, p := range d.pages {
		if p.ID == id {
			d.pages = append(d.pages[:i], d.pages[i+1:]...)
			d.closed = append(d.closed, id)
			return nil
		}
	}
	return fmt.Errorf("no page %s", id)
}

// Pings returns how many times Ping was called.
func (d *Driver) Pings() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pings
}

// Closed returns the ids closed so far.
func (d *Driver) Closed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.closed...)
}

// Finder is a fixed browser.Finder.
type Finder struct {
	Pids []int
	Err  error
}

func (f Finder) PIDs(context.Context) ([]int, error) { return f.Pids, f.Err }
