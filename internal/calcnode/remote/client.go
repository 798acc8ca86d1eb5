// Package remote runs calculation jobs on a node in another process. Jobs
// and results travel as socket.io events over a websocket.
package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/specialistvlad/calcgrid/internal/calcnode"
	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

const (
	// EventJob carries an encoded job from client to node.
	EventJob = "job"
	// EventResult carries an encoded result from node to client.
	EventResult = "job_result"
	// DefaultPath is where Server.Handler answers and where Dial connects
	// when the URL has no path.
	DefaultPath = "/socket.io/"
)

// ErrDisconnected fails jobs still pending when the connection goes away.
var ErrDisconnected = errors.New("calculation node disconnected")

// DialOptions configure a Client.
type DialOptions struct {
	Namespace          string
	ConnectTimeout     time.Duration
	InsecureSkipVerify bool
}

// Client is a calculation node pool backed by one remote node.
type Client struct {
	io      *socket.Socket
	logger  *slog.Logger
	mu      sync.Mutex
	pending map[uuid.UUID]pendingJob
	closed  bool
}

type pendingJob struct {
	job     *calcnode.Job
	receive calcnode.Receiver
}

var _ calcnode.Pool = (*Client)(nil)

// Dial connects to the node at rawURL and waits for the connection to be
// established.
func Dial(ctx context.Context, rawURL string, opts DialOptions) (*Client, error) {
	logger := ctxlog.FromContext(ctx).With("component", "remote_client", "url", rawURL)

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	path := parsedURL.Path
	if path == "" || path == "/" {
		path = DefaultPath
	}
	sopts := socket.DefaultOptions()
	sopts.SetPath(path)
	if opts.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification.")
		sopts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	sopts.SetTransports(types.NewSet(transports.WebSocket))

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, sopts)
	io := manager.Socket(opts.Namespace, sopts)

	c := &Client{io: io, logger: logger, pending: make(map[uuid.UUID]pendingJob)}
	io.On(types.EventName(EventResult), func(data ...any) {
		c.onResult(data...)
	})
	io.On(types.EventName("disconnect"), func(reason ...any) {
		logger.Debug("Connection to calculation node lost.", "reason", fmt.Sprint(reason...))
		c.failPending(ErrDisconnected)
	})

	connectChan := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("🔌 Connected to calculation node.", "sid", io.Id())
		connectChan <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err, ok := errs[0].(error)
		if !ok {
			err = fmt.Errorf("%v", errs[0])
		}
		connectChan <- err
	})

	logger.Debug("Initiating connection.")
	io.Connect()

	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return c, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection: %w", ctx.Err())
	case <-time.After(timeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", timeout)
	}
}

// Submit registers receive for the job and sends it. receive is called from
// the socket's event goroutine.
func (c *Client) Submit(ctx context.Context, job *calcnode.Job, receive calcnode.Receiver) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := calcnode.EncodeJob(job)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return calcnode.ErrPoolClosed
	}
	c.pending[job.Spec.JobID] = pendingJob{job: job, receive: receive}
	c.mu.Unlock()

	if err := c.io.Emit(EventJob, string(data)); err != nil {
		c.mu.Lock()
		delete(c.pending, job.Spec.JobID)
		c.mu.Unlock()
		return fmt.Errorf("send job %s: %w", job.Spec, err)
	}
	return nil
}

// Pending returns the number of jobs sent but not yet answered.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close disconnects. Jobs still pending fail with ErrDisconnected.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.io.Disconnect()
	c.failPending(ErrDisconnected)
	return nil
}

func (c *Client) onResult(data ...any) {
	if len(data) == 0 {
		return
	}
	payload, ok := data[0].(string)
	if !ok {
		c.logger.Debug("Ignoring result with unexpected payload.", "type", fmt.Sprintf("%T", data[0]))
		return
	}
	res, err := calcnode.DecodeResult([]byte(payload))
	if err != nil {
		c.logger.Debug("Ignoring undecodable result.", "error", err)
		return
	}

	c.mu.Lock()
	p, ok := c.pending[res.Spec.JobID]
	delete(c.pending, res.Spec.JobID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("Ignoring result for unknown job.", "job", res.Spec.JobID.String())
		return
	}
	p.receive(res)
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uuid.UUID]pendingJob)
	c.mu.Unlock()
	for _, p := range pending {
		p.receive(calcnode.FailedResult(p.job, "remote", err))
	}
}
