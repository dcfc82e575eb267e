package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mmr-tortoise/berth/internal/config"
)

// probeDialTimeout bounds a single TCP connection attempt. Probes run
// against localhost, so anything slower than this is effectively down.
const probeDialTimeout = 2 * time.Second

// maxConcurrentProbes limits how many services CheckStack probes at once.
// Stacks are small (single digits), but an unbounded fan-out would still
// be sloppy against a host under load.
const maxConcurrentProbes = 8

// Probe is a fully resolved readiness check for one service. It is built
// from the service's configuration by Resolve, with the port baked into
// the address so the checker needs no config knowledge.
type Probe struct {
	// Service is the owning service name, used in error messages.
	Service string

	// Type is config.ProbeTCP or config.ProbeHTTP.
	Type string

	// Address is the "host:port" dial target for TCP probes.
	Address string

	// URL is the full request URL for HTTP probes.
	URL string

	// Headers are extra HTTP request headers.
	Headers map[string]string

	// Timeout is the overall readiness deadline for WaitReady.
	Timeout time.Duration

	// Interval is the delay between attempts in WaitReady.
	Interval time.Duration
}

// Resolve builds a Probe for a service from its effective configuration.
// Returns nil if the service has no port and no explicit probe — such
// services are considered ready as soon as their process starts.
//
// Probes target 127.0.0.1 rather than the service's bind address: the
// stack is local by definition, and loopback is the address the next
// service in the dependency chain will actually use.
func Resolve(name string, svc *config.Service) *Probe {
	eff := svc.EffectiveProbe()
	if eff == nil {
		return nil
	}

	addr := fmt.Sprintf("127.0.0.1:%d", svc.Port)
	return &Probe{
		Service:  name,
		Type:     eff.Type,
		Address:  addr,
		URL:      "http://" + addr + eff.Path,
		Headers:  eff.Headers,
		Timeout:  eff.Timeout.Std(),
		Interval: eff.Interval.Std(),
	}
}

// Checker executes readiness probes. A single Checker is safe for
// concurrent use; it shares one HTTP client across probes so connection
// reuse works during retry loops.
type Checker struct {
	client *http.Client
	dialer *net.Dialer
}

// NewChecker creates a Checker with sane local-probe timeouts.
func NewChecker() *Checker {
	return &Checker{
		client: &http.Client{
			Timeout: probeDialTimeout,
			// A probe asks "is the port serving?", not "where does this
			// redirect?" — so don't follow redirects; any response counts.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		dialer: &net.Dialer{Timeout: probeDialTimeout},
	}
}

// Check runs a single probe attempt. Returns nil if the service answered.
func (c *Checker) Check(ctx context.Context, probe *Probe) error {
	switch probe.Type {
	case config.ProbeHTTP:
		return c.checkHTTP(ctx, probe)
	default:
		return c.checkTCP(ctx, probe)
	}
}

// checkTCP dials the probe address. A completed handshake means the
// service has bound its port and is accepting connections.
func (c *Checker) checkTCP(ctx context.Context, probe *Probe) error {
	conn, err := c.dialer.DialContext(ctx, "tcp", probe.Address)
	if err != nil {
		return fmt.Errorf("%s: connection to %s failed: %w", probe.Service, probe.Address, err)
	}
	_ = conn.Close()
	return nil
}

// checkHTTP issues a GET with the probe's headers. Any response with a
// status below 500 counts as ready — a 401 from an API-key-protected
// proxy still proves the listener is serving requests.
func (c *Checker) checkHTTP(ctx context.Context, probe *Probe) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probe.URL, nil)
	if err != nil {
		return fmt.Errorf("%s: invalid probe URL %s: %w", probe.Service, probe.URL, err)
	}
	for key, value := range probe.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: GET %s failed: %w", probe.Service, probe.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s: GET %s returned %s", probe.Service, probe.URL, resp.Status)
	}
	return nil
}

// WaitReady retries the probe on its interval until it passes, the
// probe's timeout elapses, or the context is cancelled. The last probe
// failure is wrapped into the timeout error so the operator sees why the
// service never came up, not just that it didn't.
func (c *Checker) WaitReady(ctx context.Context, probe *Probe) error {
	deadline, cancel := context.WithTimeout(ctx, probe.Timeout)
	defer cancel()

	var lastErr error
	ticker := time.NewTicker(probe.Interval)
	defer ticker.Stop()

	for {
		if err := c.Check(deadline, probe); err == nil {
			return nil
		} else {
			lastErr = err
		}

		select {
		case <-deadline.Done():
			if lastErr == nil {
				lastErr = deadline.Err()
			}
			return fmt.Errorf("service %q not ready within %s: %w", probe.Service, probe.Timeout, lastErr)
		case <-ticker.C:
		}
	}
}

// CheckStack runs one probe attempt per service concurrently and returns
// a map of service name → probe error (nil for healthy services).
// Used by `berth status` to annotate running services.
func (c *Checker) CheckStack(ctx context.Context, probes []*Probe) map[string]error {
	results := make(map[string]error, len(probes))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)

	for _, probe := range probes {
		g.Go(func() error {
			err := c.Check(gctx, probe)
			mu.Lock()
			results[probe.Service] = err
			mu.Unlock()
			// Probe failures are data here, not errors — status reports
			// them per service rather than aborting the sweep.
			return nil
		})
	}
	_ = g.Wait()

	return results
}
