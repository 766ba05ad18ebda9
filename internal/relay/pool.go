package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/ride-protocol/internal/models"
	"github.com/example/ride-protocol/internal/observability"
)

// Pool fans a node out across several relays: publishes go to all of
// them, subscriptions are merged into one feed. The engine's
// duplicate handling absorbs the overlap between relays.
type Pool struct {
	clients []*Client
	logger  *slog.Logger
}

// DialPool connects to each relay URL. Relays that fail to dial are
// skipped with a warning; at least one must connect.
func DialPool(ctx context.Context, urls []string, logger *slog.Logger) (*Pool, error) {
	p := &Pool{logger: logger}
	for _, url := range urls {
		c, err := Dial(ctx, url, logger)
		if err != nil {
			logger.Warn("skipping relay", "relay", url, "error", err)
			continue
		}
		p.clients = append(p.clients, c)
	}
	if len(p.clients) == 0 {
		return nil, errors.New("no relays reachable")
	}
	return p, nil
}

// Publish sends the event to every connected relay. It succeeds if at
// least one relay took the write.
func (p *Pool) Publish(ctx context.Context, e *models.SignedEvent) error {
	var ok int
	var lastErr error
	for _, c := range p.clients {
		if err := c.Publish(ctx, e); err != nil {
			observability.RelayPublishes.WithLabelValues("error").Inc()
			p.logger.Warn("publish failed", "relay", c.url, "event", e.ID, "error", err)
			lastErr = err
			continue
		}
		observability.RelayPublishes.WithLabelValues("ok").Inc()
		ok++
	}
	if ok == 0 {
		return fmt.Errorf("publish reached no relay: %w", lastErr)
	}
	return nil
}

// Subscribe opens the filter on every relay and merges the feeds.
// The merged channel closes when ctx is cancelled.
func (p *Pool) Subscribe(ctx context.Context, filter Filter) (<-chan models.SignedEvent, error) {
	merged := make(chan models.SignedEvent, subBuffer)
	var wg sync.WaitGroup
	var opened int

	for _, c := range p.clients {
		_, ch, err := c.Subscribe(ctx, filter)
		if err != nil {
			p.logger.Warn("subscribe failed", "relay", c.url, "error", err)
			continue
		}
		opened++
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case e, open := <-ch:
					if !open {
						return
					}
					select {
					case merged <- e:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}
	if opened == 0 {
		return nil, errors.New("subscription reached no relay")
	}
	go func() {
		wg.Wait()
		close(merged)
	}()
	return merged, nil
}

// Close shuts down every relay connection.
func (p *Pool) Close() error {
	var firstErr error
	for _, c := range p.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
