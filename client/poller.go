package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Logger interface {
	Printf(format string, args ...any)
}

type PollerOptions struct {
	// Resource scopes the feed: a workspace gid or any resource gid the
	// token's workspace owns.
	Resource string
	// StateFile persists the sync cursor between runs. Optional; without
	// it every start begins at the head of the stream.
	StateFile string
	Interval  time.Duration
	PageLimit int
	Logger    Logger
	// OnResync fires when the server reports the cursor expired and the
	// poller re-establishes a fresh one. Consumers should refetch any
	// state they derived from the feed.
	OnResync func()
}

// Poller drives repeated GetEvents calls, handing each event to the handler
// exactly once per process run and advancing the durable cursor only after
// the handler returns.
type Poller struct {
	client    *Client
	resource  string
	stateFile string
	interval  time.Duration
	pageLimit int
	logger    Logger
	onResync  func()
	state     pollerState
	loaded    bool
}

type pollerState struct {
	Sync string `json:"sync,omitempty"`
}

type EventHandler func(Event) error

func NewPoller(c *Client, opts PollerOptions) (*Poller, error) {
	if c == nil {
		return nil, fmt.Errorf("client is required")
	}
	resource := strings.TrimSpace(opts.Resource)
	if resource == "" {
		return nil, fmt.Errorf("resource is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	pageLimit := opts.PageLimit
	if pageLimit <= 0 {
		pageLimit = 100
	}
	return &Poller{
		client:    c,
		resource:  resource,
		stateFile: strings.TrimSpace(opts.StateFile),
		interval:  interval,
		pageLimit: pageLimit,
		logger:    opts.Logger,
		onResync:  opts.OnResync,
	}, nil
}

// Run polls until ctx is cancelled. Transport errors back off and retry;
// an expired cursor triggers a transparent resync instead of failing.
func (p *Poller) Run(ctx context.Context, handler EventHandler) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}
	if err := p.loadState(); err != nil {
		return err
	}
	for {
		hasMore, err := p.PollOnce(ctx, handler)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logf("poll failed: %v", err)
		}
		if hasMore && err == nil {
			continue
		}
		if waitErr := waitWithContext(ctx, p.interval); waitErr != nil {
			return waitErr
		}
	}
}

// PollOnce fetches a single page. The cursor is saved only after every
// event in the page was handled, so a crash replays at most one page.
func (p *Poller) PollOnce(ctx context.Context, handler EventHandler) (bool, error) {
	if err := p.loadState(); err != nil {
		return false, err
	}
	feed, err := p.client.GetEvents(ctx, p.resource, p.state.Sync, p.pageLimit)
	if err != nil {
		if errors.Is(err, ErrSyncExpired) {
			p.logf("sync token expired; establishing a fresh cursor")
			p.state.Sync = ""
			if saveErr := p.saveState(); saveErr != nil {
				return false, saveErr
			}
			if p.onResync != nil {
				p.onResync()
			}
			return true, nil
		}
		return false, err
	}
	for _, event := range feed.Events {
		if err := handler(event); err != nil {
			return false, err
		}
	}
	if feed.Sync != "" {
		p.state.Sync = feed.Sync
		if err := p.saveState(); err != nil {
			return false, err
		}
	}
	return feed.HasMore, nil
}

func (p *Poller) loadState() error {
	if p.loaded || p.stateFile == "" {
		p.loaded = true
		return nil
	}
	p.loaded = true
	data, err := os.ReadFile(p.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state pollerState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	p.state = state
	return nil
}

func (p *Poller) saveState() error {
	if p.stateFile == "" {
		return nil
	}
	data, err := json.Marshal(p.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(p.stateFile, data, 0o644)
}

func (p *Poller) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
