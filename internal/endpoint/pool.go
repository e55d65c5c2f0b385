package endpoint

import (
	"context"
	"errors"
	"strings"

	"pm-keeper/internal/ledger"

	"go.uber.org/zap"
)

// DialFunc binds a ledger client to one endpoint URL.
type DialFunc func(ctx context.Context, url string) (ledger.Remote, error)

// Pool is an ordered, round-robin list of interchangeable endpoints. It is
// owned by a single cycle and is not safe for concurrent use.
type Pool struct {
	urls  []string
	dial  DialFunc
	log   *zap.Logger
	index int

	remote ledger.Remote
}

func New(urls []string, dial DialFunc, log *zap.Logger) (*Pool, error) {
	clean := make([]string, 0, len(urls))
	for _, url := range urls {
		if url = strings.TrimSpace(url); url != "" {
			clean = append(clean, url)
		}
	}
	if len(clean) == 0 {
		return nil, errors.New("endpoint pool requires at least one url")
	}
	if dial == nil {
		return nil, errors.New("dial func is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{urls: clean, dial: dial, log: log}, nil
}

func (p *Pool) Len() int {
	return len(p.urls)
}

func (p *Pool) Current() string {
	return p.urls[p.index]
}

func (p *Pool) Index() int {
	return p.index
}

// SetIndex restores a previously persisted position, wrapping out of range
// values.
func (p *Pool) SetIndex(i int) {
	if i < 0 {
		i = -i
	}
	next := i % len(p.urls)
	if next == p.index {
		return
	}
	p.closeRemote()
	p.index = next
}

// Remote returns a client bound to the current endpoint, dialing on first
// use after construction or rotation.
func (p *Pool) Remote(ctx context.Context) (ledger.Remote, error) {
	if p.remote != nil {
		return p.remote, nil
	}
	remote, err := p.dial(ctx, p.Current())
	if err != nil {
		return nil, ledger.Classify("dial", err)
	}
	p.remote = remote
	return remote, nil
}

// Rotate drops the client bound to the current endpoint and advances to the
// next one, wrapping around.
func (p *Pool) Rotate() string {
	p.closeRemote()
	prev := p.Current()
	p.index = (p.index + 1) % len(p.urls)
	p.log.Warn("rotating endpoint", zap.String("from", prev), zap.String("to", p.Current()))
	return p.Current()
}

func (p *Pool) Close() {
	p.closeRemote()
}

func (p *Pool) closeRemote() {
	if p.remote != nil {
		p.remote.Close()
		p.remote = nil
	}
}
