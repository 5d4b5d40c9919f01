package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/atomic"

	"github.com/caio-sobreiro/dicomulp/association"
	"github.com/caio-sobreiro/dicomulp/dimse"
	dicomerr "github.com/caio-sobreiro/dicomulp/errors"
	"github.com/caio-sobreiro/dicomulp/types"
)

// State is a step of Client.Send.
type State string

const (
	StateIdle                  State = "idle"
	StateConnecting            State = "connecting"
	StateRequestingAssociation State = "requesting_association"
	StateSending               State = "sending"
	StateLingering             State = "lingering"
	StateReleasing             State = "releasing"
	StateCompleted             State = "completed"
	StateAborted               State = "aborted"
)

const (
	eventConnect   = "connect"
	eventAssociate = "associate"
	eventSend      = "send"
	eventLinger    = "linger"
	eventRelease   = "release"
	eventComplete  = "complete"
	eventAbort     = "abort"
)

func newClientFSM() *fsm.FSM {
	str := func(s ...State) []string {
		out := make([]string, len(s))
		for i, st := range s {
			out[i] = string(st)
		}
		return out
	}
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventConnect, Src: str(StateIdle), Dst: string(StateConnecting)},
			{Name: eventAssociate, Src: str(StateConnecting), Dst: string(StateRequestingAssociation)},
			{Name: eventSend, Src: str(StateRequestingAssociation, StateLingering), Dst: string(StateSending)},
			{Name: eventLinger, Src: str(StateSending), Dst: string(StateLingering)},
			{Name: eventRelease, Src: str(StateLingering), Dst: string(StateReleasing)},
			{Name: eventComplete, Src: str(StateReleasing), Dst: string(StateCompleted)},
			{Name: eventAbort, Src: str(
				StateIdle, StateConnecting, StateRequestingAssociation,
				StateSending, StateLingering, StateReleasing,
			), Dst: string(StateAborted)},
		},
		fsm.Callbacks{},
	)
}

// ErrNeverConnected and ErrAborted are returned by Client.Send.
var (
	ErrNeverConnected = dicomerr.ErrNeverConnected
	ErrAborted        = dicomerr.ErrAborted
)

type proposedContext struct {
	abstract         string
	transferSyntaxes []string
}

// Client sends a queue of DIMSE requests over one association. Requests added while the
// association is up are sent on it as long as a context for them was proposed.
//
// Per-request outcomes, including failure statuses as *errors.DIMSEError, are delivered
// through each request's Wait and OnResponse. Send only fails for the association as a whole.
type Client struct {
	addr   string
	config Config

	state   *fsm.FSM
	stateMu sync.Mutex

	mu       sync.Mutex
	queue    []*dimse.Request
	contexts []proposedContext
	current  *Association
	wake     chan struct{}

	aborted *atomic.Bool
	cancel  context.CancelFunc
}

// New creates a client for the SCP at addr.
func New(addr string, config Config) *Client {
	return &Client{
		addr:    addr,
		config:  config.withDefaults(),
		state:   newClientFSM(),
		wake:    make(chan struct{}, 1),
		aborted: atomic.NewBool(false),
	}
}

// State returns where Send is.
func (c *Client) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return State(c.state.Current())
}

func (c *Client) transition(event string) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	err := c.state.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		return err
	}
	return nil
}

// AddRequest queues req. It may be called before or during Send.
func (c *Client) AddRequest(req *dimse.Request) {
	c.mu.Lock()
	c.queue = append(c.queue, req)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// AddPresentationContext proposes abstract with transferSyntaxes besides the contexts
// derived from the queued requests. It has no effect once the association is requested.
func (c *Client) AddPresentationContext(abstract string, transferSyntaxes ...string) {
	if len(transferSyntaxes) == 0 {
		transferSyntaxes = c.config.PreferredTransferSyntaxes
	}
	c.mu.Lock()
	c.contexts = append(c.contexts, proposedContext{abstract: abstract, transferSyntaxes: transferSyntaxes})
	c.mu.Unlock()
}

// Abort drops the association. Send returns ErrAborted.
func (c *Client) Abort() {
	c.aborted.Store(true)
	c.mu.Lock()
	a, cancel := c.current, c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if a != nil {
		a.Abort()
	}
}

func (c *Client) next() *dimse.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	req := c.queue[0]
	c.queue = c.queue[1:]
	return req
}

// proposal builds the association request: one context per SOP class in the queue, in
// order of first use, followed by the explicitly added contexts.
func (c *Client) proposal() (*association.Association, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, err := c.config.proposal(nil)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, req := range c.queue {
		abstract := req.Command.AffectedSOPClassUID
		if abstract == "" {
			abstract = req.Command.RequestedSOPClassUID
		}
		if abstract == "" || seen[abstract] {
			continue
		}
		seen[abstract] = true
		ts := c.config.PreferredTransferSyntaxes
		if want := requestSyntax(req); want != "" && !slices.Contains(ts, want) {
			ts = append([]string{want}, ts...)
		}
		if _, err := a.AddContext(abstract, ts...); err != nil {
			return nil, err
		}
	}
	for _, pc := range c.contexts {
		if _, err := a.AddContext(pc.abstract, pc.transferSyntaxes...); err != nil {
			return nil, err
		}
	}
	if len(a.Contexts) == 0 {
		if _, err := a.AddContext(types.VerificationSOPClass, c.config.PreferredTransferSyntaxes...); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func requestSyntax(req *dimse.Request) string {
	if req.TransferSyntax != "" {
		return req.TransferSyntax
	}
	if req.Dataset != nil {
		return req.Dataset.TransferSyntax
	}
	return ""
}

// Send connects, sends every queued request and releases the association once the queue
// stays empty for Config.Linger. It can be called once.
func (c *Client) Send(ctx context.Context) (err error) {
	if state := c.State(); state != StateIdle {
		return fmt.Errorf("client: Send called in state %s", state)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		if err == nil {
			return
		}
		if c.aborted.Load() && !errors.Is(err, ErrAborted) {
			err = fmt.Errorf("%w: %w", ErrAborted, err)
		}
		c.transition(eventAbort)
		c.mu.Lock()
		a := c.current
		c.mu.Unlock()
		if a != nil {
			a.Abort()
		}
		for req := c.next(); req != nil; req = c.next() {
			req.Abandon(err)
		}
	}()

	if c.aborted.Load() {
		return ErrAborted
	}
	proposal, err := c.proposal()
	if err != nil {
		return err
	}

	c.transition(eventConnect)
	connectCtx, connectCancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer connectCancel()
	a, err := open(connectCtx, c.addr, c.config, proposal, func() { c.transition(eventAssociate) })
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.current = a
	c.mu.Unlock()
	if c.aborted.Load() {
		return ErrAborted
	}

	for {
		c.transition(eventSend)
		if err := c.drain(ctx, a); err != nil {
			return err
		}
		c.transition(eventLinger)
		more, err := c.linger(ctx, a)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}

	c.transition(eventRelease)
	if err := a.release(ctx); err != nil {
		return err
	}
	c.transition(eventComplete)
	return nil
}

// drain sends the queued requests. A request that cannot be sent fails on its own; only a
// lost association ends the exchange.
func (c *Client) drain(ctx context.Context, a *Association) error {
	for req := c.next(); req != nil; req = c.next() {
		if err := ctx.Err(); err != nil {
			req.Abandon(err)
			return err
		}
		if err := a.pump.Send(ctx, req); err != nil {
			select {
			case <-a.Done():
				return connectionError(a)
			default:
			}
			if ctx.Err() != nil {
				req.Abandon(ctx.Err())
				return ctx.Err()
			}
			a.logger.Warn("DIMSE request not sent", "request", req.String(), "error", err)
		}
	}
	return nil
}

// linger waits for outstanding responses and then for Config.Linger. It reports whether
// new requests arrived meanwhile.
func (c *Client) linger(ctx context.Context, a *Association) (bool, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	idle := make(chan error, 1)
	go func() { idle <- a.pump.Wait(waitCtx) }()

	select {
	case <-c.wake:
		return true, nil
	case err := <-idle:
		if err != nil {
			return false, err
		}
	case <-a.Done():
		return false, connectionError(a)
	}

	timer := time.NewTimer(c.config.Linger)
	defer timer.Stop()
	select {
	case <-c.wake:
		return true, nil
	case <-timer.C:
	case <-ctx.Done():
		return false, ctx.Err()
	case <-a.Done():
		return false, connectionError(a)
	}

	c.mu.Lock()
	more := len(c.queue) > 0
	c.mu.Unlock()
	return more, nil
}

func connectionError(a *Association) error {
	if err := a.Err(); err != nil {
		return err
	}
	return dicomerr.ErrConnectionClosed
}
