// Package sshexec owns the SSH control channels to tmux hosts. It is
// the only component allowed to run remote commands.
package sshexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/crypto/ssh"

	"github.com/aily-sh/aily/internal/metrics"
	"github.com/aily-sh/aily/internal/relay/fault"
)

const (
	opTimeout      = 8 * time.Second
	hostQueueDepth = 8
	healthInterval = time.Minute
)

// runner executes one shell command on a host and returns its stdout.
type runner interface {
	run(ctx context.Context, cmd string) (string, error)
	close() error
}

// Executor maintains one lazily-opened control channel per configured
// host and serializes access to it through a small queue.
type Executor struct {
	user    string
	keyFile string
	log     *slog.Logger

	// dial is swapped in tests.
	dial func(ctx context.Context, addr string) (runner, error)

	mu    sync.Mutex
	hosts map[string]*host
}

type host struct {
	name string

	sem chan struct{}

	mu        sync.Mutex
	r         runner
	down      bool
	nextRetry time.Time
	retry     *backoff.ExponentialBackOff
	lastCheck time.Time
}

// New creates an Executor for the named hosts. The host "localhost"
// runs commands directly instead of over SSH.
func New(hostNames []string, user, keyFile string, log *slog.Logger) *Executor {
	e := &Executor{
		user:    user,
		keyFile: keyFile,
		log:     log.With("component", "sshexec"),
		hosts:   make(map[string]*host, len(hostNames)),
	}
	e.dial = e.dialHost
	for _, name := range hostNames {
		e.hosts[name] = &host{
			name:  name,
			sem:   make(chan struct{}, hostQueueDepth),
			retry: newRetry(),
		}
	}
	return e
}

func newRetry() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	return b
}

// Hosts returns the configured host names.
func (e *Executor) Hosts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.hosts))
	for name := range e.hosts {
		names = append(names, name)
	}
	return names
}

// Reachable reports whether the host's channel is currently healthy.
// A host that has never been dialed counts as reachable until proven
// otherwise.
func (e *Executor) Reachable(hostName string) bool {
	h, err := e.host(hostName)
	if err != nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.down
}

// CheckHost runs the no-op health probe if the last one is older than
// the health interval. Returns fault.ErrUnreachable when the host is
// down.
func (e *Executor) CheckHost(ctx context.Context, hostName string) error {
	h, err := e.host(hostName)
	if err != nil {
		return err
	}
	h.mu.Lock()
	fresh := time.Since(h.lastCheck) < healthInterval && !h.down
	h.mu.Unlock()
	if fresh {
		return nil
	}
	_, err = e.run(ctx, hostName, "true")
	if err == nil {
		h.mu.Lock()
		h.lastCheck = time.Now()
		h.mu.Unlock()
	}
	return err
}

// Close tears down every open channel.
func (e *Executor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.hosts {
		h.mu.Lock()
		if h.r != nil {
			_ = h.r.close()
			h.r = nil
		}
		h.mu.Unlock()
	}
}

func (e *Executor) host(name string) (*host, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.hosts[name]
	if !ok {
		return nil, fmt.Errorf("host %s not configured: %w", name, fault.ErrNotFound)
	}
	return h, nil
}

// run executes one command on the host, connecting first if needed.
// Transport failures mark the host down and map to unreachable; the
// caller classifies nonzero exits.
func (e *Executor) run(ctx context.Context, hostName, cmd string) (string, error) {
	h, err := e.host(hostName)
	if err != nil {
		return "", err
	}

	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	r, err := e.connect(ctx, h)
	if err != nil {
		return "", err
	}

	out, err := r.run(ctx, cmd)
	if err != nil && !isExit(err) {
		if parent.Err() != nil {
			// The caller cancelled; says nothing about host health.
			return "", parent.Err()
		}
		e.markDown(h, err)
		return "", fmt.Errorf("host %s: %w: %w", hostName, fault.ErrUnreachable, err)
	}
	return out, err
}

func (e *Executor) connect(ctx context.Context, h *host) (runner, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.r != nil {
		return h.r, nil
	}
	if h.down && time.Now().Before(h.nextRetry) {
		return nil, fmt.Errorf("host %s: backing off until %s: %w",
			h.name, h.nextRetry.Format(time.RFC3339), fault.ErrUnreachable)
	}

	r, err := e.dial(ctx, h.name)
	if err != nil {
		h.down = true
		h.nextRetry = time.Now().Add(h.retry.NextBackOff())
		metrics.HostsReachable.Set(float64(e.countUpLocked()))
		return nil, fmt.Errorf("dial %s: %w: %w", h.name, fault.ErrUnreachable, err)
	}

	if h.down {
		e.log.Info("host recovered", "host", h.name)
	}
	h.r = r
	h.down = false
	h.retry.Reset()
	metrics.HostsReachable.Set(float64(e.countUpLocked()))
	return r, nil
}

func (e *Executor) markDown(h *host, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.r != nil {
		_ = h.r.close()
		h.r = nil
	}
	if !h.down {
		e.log.Warn("host down", "host", h.name, "error", cause)
	}
	h.down = true
	h.nextRetry = time.Now().Add(h.retry.NextBackOff())
	metrics.HostsReachable.Set(float64(e.countUpLocked()))
}

// countUpLocked counts healthy hosts. Callers hold at most one host
// lock; reading h.down without the others' locks is fine for a gauge.
func (e *Executor) countUpLocked() int {
	n := 0
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.hosts {
		if !h.down {
			n++
		}
	}
	return n
}

// dialHost opens the real channel: local exec for localhost, SSH for
// everything else.
func (e *Executor) dialHost(ctx context.Context, addr string) (runner, error) {
	if addr == "localhost" || addr == "127.0.0.1" {
		return localRunner{}, nil
	}

	key, err := os.ReadFile(e.keyFile)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}

	target := addr
	if !strings.Contains(target, ":") {
		target += ":22"
	}

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            e.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         opTimeout,
	}
	sconn, chans, reqs, err := ssh.NewClientConn(conn, target, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &sshRunner{client: ssh.NewClient(sconn, chans, reqs)}, nil
}

type localRunner struct{}

func (localRunner) run(ctx context.Context, cmd string) (string, error) {
	out, err := exec.CommandContext(ctx, "sh", "-c", cmd).Output()
	return string(out), err
}

func (localRunner) close() error { return nil }

type sshRunner struct {
	client *ssh.Client
}

func (r *sshRunner) run(ctx context.Context, cmd string) (string, error) {
	sess, err := r.client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	var out strings.Builder
	sess.Stdout = &out

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()
	select {
	case err := <-done:
		return out.String(), err
	case <-ctx.Done():
		_ = sess.Close()
		return out.String(), ctx.Err()
	}
}

func (r *sshRunner) close() error { return r.client.Close() }

// isExit reports whether err is a nonzero command exit rather than a
// transport failure.
func isExit(err error) bool {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return true
	}
	var se *ssh.ExitError
	return errors.As(err, &se)
}

// exitStatus returns the command's exit code when err is an exit error.
func exitStatus(err error) (int, bool) {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode(), true
	}
	var se *ssh.ExitError
	if errors.As(err, &se) {
		return se.ExitStatus(), true
	}
	return 0, false
}
