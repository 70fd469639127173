// Package remoteworker implements the master-side HTTP client that drives
// one remote service through the control protocol.
package remoteworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cuemby/iobench/internal/benchconfig"
	"github.com/cuemby/iobench/internal/errs"
	"github.com/cuemby/iobench/internal/phase"
	"github.com/cuemby/iobench/internal/protocol"
	"github.com/cuemby/iobench/pkg/log"
	"github.com/cuemby/iobench/pkg/metrics"
)

// Client drives one remote service over HTTP, implementing the same Worker
// interface as a LocalWorker so the pool can dispatch to either uniformly.
// There is no automatic retry on any request: a failed request surfaces
// immediately as a WorkerError, because retries would make benchmark runs
// non-reproducible.
type Client struct {
	rank int
	host string
	port int

	httpClient *http.Client
	baseURL    string

	lastPathInfo benchconfig.PathInfoTree
}

// New builds a remote worker client for the given rank, addressing the
// service at host:port.
func New(rank int, host string, port int) *Client {
	return &Client{
		rank:       rank,
		host:       host,
		port:       port,
		httpClient: &http.Client{Timeout: 0},
		baseURL:    fmt.Sprintf("http://%s:%d", host, port),
	}
}

func (c *Client) Rank() int { return c.rank }

// PushFile streams a local file's contents to the service's PREPAREFILE
// endpoint ahead of a tree-mode phase. filename is sanitized service-side;
// only the basename is ever honored.
func (c *Client) PushFile(ctx context.Context, filename string, body io.Reader) error {
	q := url.Values{}
	q.Set(protocol.QueryProtocolVersion, protocol.Version)
	q.Set(protocol.QueryFilename, filename)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+protocol.PathPrepareFile+"?"+q.Encode(), body)
	if err != nil {
		return errs.NewWorkerError("rank %d: building preparefile request: %v", c.rank, err)
	}

	_, err = c.do(req, protocol.PathPrepareFile)
	return err
}

// Prepare transfers the run's config to the service via PREPAREPHASE and
// waits for it to prepare its local workers, retaining the service's
// reported PathInfoTree for the coordinator's fleet-consistency check.
func (c *Client) Prepare(ctx context.Context, cfg *benchconfig.Config) error {
	body, err := cfg.MarshalForWire()
	if err != nil {
		return errs.NewWorkerError("rank %d: encoding config: %v", c.rank, err)
	}

	q := url.Values{}
	q.Set(protocol.QueryProtocolVersion, protocol.Version)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+protocol.PathPreparePhase+"?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return errs.NewWorkerError("rank %d: building preparephase request: %v", c.rank, err)
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, err := c.do(req, protocol.PathPreparePhase)
	if err != nil {
		return err
	}

	var reply struct {
		benchconfig.PathInfoTree
		ErrorHistory string `json:"errorHistory"`
	}
	if jerr := json.Unmarshal(respBody, &reply); jerr != nil {
		return errs.NewProtocolError("rank %d: malformed preparephase reply: %v", c.rank, jerr)
	}
	c.lastPathInfo = reply.PathInfoTree
	if reply.ErrorHistory != "" {
		prepLogger := log.WithComponent("remoteworker")
		prepLogger.Warn().Int("rank", c.rank).
			Str("host", c.host).Msg(reply.ErrorHistory)
	}

	return nil
}

// PathInfoTree returns the path layout the service reported in its most
// recent PREPAREPHASE reply, for the coordinator to cross-check against the
// rest of the fleet.
func (c *Client) PathInfoTree() benchconfig.PathInfoTree { return c.lastPathInfo }

// RunPhase issues STARTPHASE and then polls STATUS until the service reports
// the phase done: the service executes the phase asynchronously after a
// non-blocking STARTPHASE reply.
func (c *Client) RunPhase(ctx context.Context, p phase.BenchPhase, benchID string) error {
	q := url.Values{}
	q.Set(protocol.QueryProtocolVersion, protocol.Version)
	q.Set(protocol.QueryBenchPhaseCode, strconv.Itoa(int(p)))
	if benchID != "" {
		q.Set(protocol.QueryBenchID, benchID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+protocol.PathStartPhase+"?"+q.Encode(), nil)
	if err != nil {
		return errs.NewWorkerError("rank %d: building startphase request: %v", c.rank, err)
	}

	if _, err := c.do(req, protocol.PathStartPhase); err != nil {
		return err
	}

	return c.pollUntilDone(ctx, p)
}

// pollUntilDone repeatedly fetches STATUS until the service reports the phase
// finished or its current phase no longer matches p, or ctx is cancelled
// (interrupt/time-limit).
func (c *Client) pollUntilDone(ctx context.Context, p phase.BenchPhase) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The local phase context was cancelled (interrupt or time
			// limit). The remote service doesn't know yet - tell it
			// explicitly so its own workers abort promptly instead of
			// running to completion unattended. Best-effort: a failure here
			// doesn't change the outcome, DeleteThreads will send a final
			// INTERRUPTPHASE+quit on cleanup regardless.
			c.sendInterrupt(context.Background())
			return ctx.Err()
		case <-ticker.C:
			done, err := c.statusReportsDone(ctx, p)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func (c *Client) statusReportsDone(ctx context.Context, p phase.BenchPhase) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+protocol.PathStatus, nil)
	if err != nil {
		return false, errs.NewWorkerError("rank %d: building status request: %v", c.rank, err)
	}

	body, err := c.do(req, protocol.PathStatus)
	if err != nil {
		return false, err
	}

	var reply struct {
		CurrentPhaseCode int  `json:"currentPhaseCode"`
		PhaseFinished    bool `json:"phaseFinished"`
	}
	if jerr := json.Unmarshal(body, &reply); jerr != nil {
		return false, errs.NewProtocolError("rank %d: malformed status reply: %v", c.rank, jerr)
	}

	return reply.PhaseFinished || phase.BenchPhase(reply.CurrentPhaseCode) != p, nil
}

// Interrupt issues INTERRUPTPHASE without quit, so the service cancels its
// in-flight phase but stays up for a possible next PREPAREPHASE.
func (c *Client) Interrupt(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+protocol.PathInterruptPhase, nil)
	if err != nil {
		return errs.NewWorkerError("rank %d: building interruptphase request: %v", c.rank, err)
	}
	_, err = c.do(req, protocol.PathInterruptPhase)
	return err
}

func (c *Client) sendInterrupt(ctx context.Context) {
	if err := c.Interrupt(ctx); err != nil {
		intLogger := log.WithComponent("remoteworker")
		intLogger.Warn().Int("rank", c.rank).
			Str("host", c.host).Err(err).Msg("interrupt request failed")
	}
}

// Close sends INTERRUPTPHASE with quit=1 so the remote service shuts its
// listener down cleanly, then drops the underlying HTTP client's
// connections. Failures here are logged, not propagated: DeleteThreads is
// already an unconditional cleanup step.
func (c *Client) Close() error {
	q := url.Values{}
	q.Set(protocol.QueryQuit, "1")

	req, err := http.NewRequest(http.MethodGet, c.baseURL+protocol.PathInterruptPhase+"?"+q.Encode(), nil)
	if err != nil {
		return nil
	}

	if _, err := c.do(req, protocol.PathInterruptPhase); err != nil {
		quitLogger := log.WithComponent("remoteworker")
		quitLogger.Warn().Int("rank", c.rank).
			Str("host", c.host).Err(err).Msg("quit request failed")
	}

	c.httpClient.CloseIdleConnections()
	return nil
}

// do issues req, records per-endpoint latency and error metrics, and returns
// the response body. A non-2xx response is surfaced as a WorkerError
// carrying the service's diagnostic body.
func (c *Client) do(req *http.Request, endpoint string) ([]byte, error) {
	timer := metrics.NewTimer()
	resp, err := c.httpClient.Do(req)
	timer.ObserveDurationVec(metrics.RemoteRequestDuration, endpoint)
	if err != nil {
		metrics.RemoteWorkerErrorsTotal.WithLabelValues(endpoint).Inc()
		return nil, errs.NewWorkerError("rank %d: %s request failed: %v", c.rank, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RemoteWorkerErrorsTotal.WithLabelValues(endpoint).Inc()
		return nil, errs.NewWorkerError("rank %d: reading %s response: %v", c.rank, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RemoteWorkerErrorsTotal.WithLabelValues(endpoint).Inc()
		return nil, errs.NewWorkerError("rank %d: %s returned %d: %s", c.rank, endpoint, resp.StatusCode, string(body))
	}

	return body, nil
}
