// Package engine runs the DICOM upper layer state machine over one transport connection:
// association establishment, P-DATA fragmentation and reassembly, release and abort.
package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/atomic"

	"github.com/caio-sobreiro/dicomulp/association"
	"github.com/caio-sobreiro/dicomulp/dicom"
	dicomerr "github.com/caio-sobreiro/dicomulp/errors"
	"github.com/caio-sobreiro/dicomulp/pdu"
	"github.com/caio-sobreiro/dicomulp/transport"
	"github.com/caio-sobreiro/dicomulp/types"
)

// Service is one association endpoint.
type Service struct {
	conn    net.Conn
	r       *bufio.Reader
	role    Role
	handler Handler
	opts    Options
	logger  *slog.Logger
	state   *fsm.FSM

	// writeMu serializes PDUs; a message holds it for all of its fragments.
	writeMu sync.Mutex

	assocMu sync.RWMutex
	assoc   *association.Association

	artimMu sync.Mutex
	artim   *time.Timer

	assembler assembler

	closed    *atomic.Bool
	running   *atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// New wraps an open transport connection.
func New(conn net.Conn, role Role, handler Handler, opts Options) *Service {
	s := newService(role, handler, opts)
	s.attach(conn)
	return s
}

// Dial opens the transport with d and returns a requestor Service over it.
func Dial(ctx context.Context, d *transport.Dialer, addr string, handler Handler, opts Options) (*Service, error) {
	s := newService(RoleRequestor, handler, opts)
	s.transition(eventConnect)
	s.logger.Debug("Connecting transport", "remote_addr", addr)
	conn, err := d.DialContext(ctx, addr)
	if err != nil {
		s.terminate(err)
		return nil, err
	}
	s.attach(conn)
	return s, nil
}

func newService(role Role, handler Handler, opts Options) *Service {
	if handler == nil {
		handler = NopHandler{}
	}
	opts = opts.withDefaults()
	s := &Service{
		role:    role,
		handler: handler,
		opts:    opts,
		logger:  opts.Logger.With("role", role.String()),
		closed:  atomic.NewBool(false),
		running: atomic.NewBool(false),
		done:    make(chan struct{}),
	}
	s.assembler = assembler{maxCommand: opts.MaxCommandBuffer, data: spool{max: opts.MaxDataBuffer, dir: opts.TempDir}}
	s.state = newStateMachine(fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			s.logger.Debug("Association state changed", "event", e.Event, "from", e.Src, "to", e.Dst)
		},
	})
	return s
}

func (s *Service) attach(conn net.Conn) {
	s.conn = conn
	s.r = bufio.NewReaderSize(conn, 64*1024)
	s.logger = s.logger.With("remote_addr", conn.RemoteAddr().String())
	s.transition(eventTransportOpen)
	if s.role == RoleAcceptor {
		s.startARTIM("association request")
	}
}

// transition fires event, treating a transition to the current state as success.
func (s *Service) transition(event string) error {
	err := s.state.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		return fmt.Errorf("%s in state %s: %w", event, s.state.Current(), err)
	}
	return nil
}

// State returns the current association state.
func (s *Service) State() State {
	return State(s.state.Current())
}

// Association returns the negotiated association, nil until established.
func (s *Service) Association() *association.Association {
	s.assocMu.RLock()
	defer s.assocMu.RUnlock()
	return s.assoc
}

func (s *Service) setAssociation(a *association.Association) {
	s.assocMu.Lock()
	s.assoc = a
	s.assocMu.Unlock()
}

// Options returns the effective options.
func (s *Service) Options() Options {
	return s.opts
}

// Handler returns the handler events are delivered to.
func (s *Service) Handler() Handler {
	return s.handler
}

// Done is closed when the service has terminated.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error: nil while running and after a normal release.
func (s *Service) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// RemoteAddr returns the peer address.
func (s *Service) RemoteAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}

func (s *Service) startARTIM(op string) {
	timeout := s.opts.ARTIMTimeout
	s.artimMu.Lock()
	defer s.artimMu.Unlock()
	if s.artim != nil {
		s.artim.Stop()
	}
	s.artim = time.AfterFunc(timeout, func() {
		s.logger.Warn("ARTIM timer expired", "operation", op, "timeout", timeout)
		err := dicomerr.NewTimeoutError(op, timeout.String())
		if s.State() == StateConnectingTransport {
			s.terminate(err)
			return
		}
		s.abort(pdu.AbortSourceServiceProvider, pdu.AbortReasonNotSpecified, err)
	})
}

func (s *Service) stopARTIM() {
	s.artimMu.Lock()
	defer s.artimMu.Unlock()
	if s.artim != nil {
		s.artim.Stop()
		s.artim = nil
	}
}

func (s *Service) writePDU(p pdu.PDU) error {
	b, err := pdu.Encode(p)
	if err != nil {
		return err
	}
	if s.opts.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
			return dicomerr.NewNetworkError("set write deadline", err)
		}
	}
	if _, err := s.conn.Write(b); err != nil {
		return dicomerr.NewNetworkError("write "+pdu.TypeName(p.Type()), err)
	}
	if pd, ok := p.(*pdu.PDataTF); ok {
		if s.opts.LogDataPDUs {
			s.logger.Debug("Sent PDU", "pdu", pd.String())
		}
	} else {
		s.logger.Debug("Sent PDU", "pdu_type", pdu.TypeName(p.Type()), "length", len(b)-pdu.HeaderLength)
	}
	return nil
}

func (s *Service) sendControl(p pdu.PDU) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writePDU(p)
}

func (s *Service) readPDU() (pdu.PDU, error) {
	if s.opts.ReadTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)); err != nil {
			return nil, dicomerr.NewNetworkError("set read deadline", err)
		}
	}
	limit := uint32(0)
	if a := s.Association(); a != nil {
		limit = a.MaxPDULength
	}
	p, err := pdu.Read(s.r, limit)
	if err != nil {
		return nil, err
	}
	if pd, ok := p.(*pdu.PDataTF); ok {
		if s.opts.LogDataPDUs {
			s.logger.Debug("Received PDU", "pdu", pd.String())
		}
	} else {
		s.logger.Debug("Received PDU", "pdu_type", pdu.TypeName(p.Type()))
	}
	return p, nil
}

// RequestAssociation proposes a and waits for the answer. It must complete before Run is
// started. A rejection is returned as *errors.AssociationError, ARTIM expiry as *errors.TimeoutError.
func (s *Service) RequestAssociation(ctx context.Context, a *association.Association) error {
	if s.role != RoleRequestor {
		return errors.New("engine: only a requestor requests associations")
	}
	if err := s.transition(eventSendAssociateRQ); err != nil {
		return err
	}
	a.MaxPDULength = s.opts.MaxPDULength
	if err := s.sendControl(a.RequestPDU()); err != nil {
		s.terminate(err)
		return err
	}
	s.startARTIM("association request")
	stop := context.AfterFunc(ctx, func() {
		s.abort(pdu.AbortSourceServiceUser, pdu.AbortReasonNotSpecified, ctx.Err())
	})
	defer stop()

	p, err := s.readPDU()
	s.stopARTIM()
	if err != nil {
		if terminal := s.Err(); terminal != nil {
			return terminal
		}
		err = s.readError(err)
		s.terminate(err)
		return err
	}

	switch rsp := p.(type) {
	case *pdu.AAssociateAC:
		if err := a.ApplyAcceptPDU(rsp); err != nil {
			s.abort(pdu.AbortSourceServiceProvider, pdu.AbortReasonInvalidPDUParamValue, err)
			return err
		}
		if err := s.transition(eventReceiveAssociateAC); err != nil {
			s.abort(pdu.AbortSourceServiceProvider, pdu.AbortReasonUnexpectedPDU, err)
			return err
		}
		s.setAssociation(a)
		s.logger.Info("DICOM association established",
			"calling_ae", a.CallingAE,
			"called_ae", a.CalledAE,
			"accepted_contexts", a.AcceptedCount(),
			"remote_max_pdu", a.RemoteMaxPDULength)
		return nil
	case *pdu.AAssociateRJ:
		s.transition(eventReceiveAssociateRJ)
		rjErr := rsp.AsError()
		s.logger.Warn("Association rejected", "reject", rsp.String())
		s.terminate(rjErr)
		return rjErr
	case *pdu.AAbort:
		abortErr := dicomerr.NewAbortError(rsp.Source, rsp.Reason)
		s.handler.OnAbort(ctx, rsp.Source, rsp.Reason)
		s.terminate(abortErr)
		return abortErr
	default:
		err := dicomerr.NewPDUError(p.Type(), "unexpected PDU while awaiting association response")
		s.abort(pdu.AbortSourceServiceProvider, pdu.AbortReasonUnexpectedPDU, err)
		return err
	}
}

// Run is the receive loop. It returns when the association terminates, with nil after a
// normal release.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("engine: Run called twice")
	}
	stop := context.AfterFunc(ctx, func() {
		s.abort(pdu.AbortSourceServiceUser, pdu.AbortReasonNotSpecified, ctx.Err())
	})
	defer stop()
	defer s.assembler.reset()

	for !s.closed.Load() {
		p, err := s.readPDU()
		if err != nil {
			if s.closed.Load() {
				break
			}
			var pduErr *dicomerr.PDUError
			if errors.As(err, &pduErr) {
				reason := pdu.AbortReasonInvalidPDUParamValue
				if pduErr.PDUType < types.TypeAssociateRQ || pduErr.PDUType > types.TypeAbort {
					reason = pdu.AbortReasonUnrecognizedPDU
				}
				s.abort(pdu.AbortSourceServiceProvider, reason, err)
				break
			}
			s.terminate(s.readError(err))
			break
		}
		s.dispatch(ctx, p)
	}
	return s.Err()
}

func (s *Service) readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", dicomerr.ErrConnectionClosed, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return dicomerr.NewTimeoutError("read", s.opts.ReadTimeout.String())
	}
	return dicomerr.NewNetworkError("read", err)
}

func (s *Service) unexpected(p pdu.PDU) {
	err := dicomerr.NewPDUError(p.Type(), fmt.Sprintf("unexpected %s in state %s", pdu.TypeName(p.Type()), s.State()))
	s.logger.Warn("Unexpected PDU", "pdu_type", pdu.TypeName(p.Type()), "state", string(s.State()))
	s.abort(pdu.AbortSourceServiceProvider, pdu.AbortReasonUnexpectedPDU, err)
}

func (s *Service) dispatch(ctx context.Context, p pdu.PDU) {
	state := s.State()
	switch v := p.(type) {
	case *pdu.AAssociateRQ:
		if s.role != RoleAcceptor || state != StateConnectingTransport {
			s.unexpected(p)
			return
		}
		s.handleAssociateRQ(ctx, v)
	case *pdu.PDataTF:
		if state != StateEstablished && state != StateReleaseRequested {
			s.unexpected(p)
			return
		}
		s.handlePData(ctx, v)
	case *pdu.AReleaseRQ:
		if state != StateEstablished && state != StateReleaseRequested {
			s.unexpected(p)
			return
		}
		s.handleReleaseRQ(ctx, state == StateReleaseRequested)
	case *pdu.AReleaseRP:
		if state != StateReleaseRequested && state != StateReleasePending {
			s.unexpected(p)
			return
		}
		s.stopARTIM()
		s.transition(eventReceiveReleaseRP)
		s.logger.Info("Association released")
		s.terminate(nil)
	case *pdu.AAbort:
		s.logger.Warn("Association aborted by peer", "abort", v.String())
		s.handler.OnAbort(ctx, v.Source, v.Reason)
		s.transition(eventAbort)
		s.terminate(dicomerr.NewAbortError(v.Source, v.Reason))
	default:
		s.unexpected(p)
	}
}

func (s *Service) handleAssociateRQ(ctx context.Context, rq *pdu.AAssociateRQ) {
	s.stopARTIM()
	if err := s.transition(eventReceiveAssociateRQ); err != nil {
		s.unexpected(rq)
		return
	}
	a := association.FromRequestPDU(rq)
	a.MaxPDULength = s.opts.MaxPDULength

	var decision Decision
	switch {
	case rq.ProtocolVersion&0x0001 == 0:
		decision = RejectAssociation(pdu.RejectSourceServiceProviderACSE, byte(dicomerr.RejectReasonProtocolVersionNotSupported))
	case rq.ApplicationContext != types.ApplicationContextUID:
		decision = RejectAssociation(pdu.RejectSourceServiceUser, byte(dicomerr.RejectReasonApplicationContextNotSupported))
	default:
		decision = s.handler.OnAssociationRequest(ctx, a)
	}

	if !decision.Accept {
		if decision.Result == 0 {
			decision.Result = pdu.RejectResultPermanent
		}
		rj := &pdu.AAssociateRJ{Result: decision.Result, Source: decision.Source, Reason: decision.Reason}
		s.logger.Info("Rejecting association", "calling_ae", a.CallingAE, "called_ae", a.CalledAE, "reject", rj.String())
		err := s.sendControl(rj)
		s.transition(eventReject)
		s.terminate(err)
		return
	}

	if err := s.sendControl(a.AcceptPDU()); err != nil {
		s.terminate(err)
		return
	}
	s.transition(eventAccept)
	s.setAssociation(a)
	s.logger.Info("DICOM association accepted",
		"calling_ae", a.CallingAE,
		"called_ae", a.CalledAE,
		"accepted_contexts", a.AcceptedCount(),
		"remote_max_pdu", a.RemoteMaxPDULength)
}

func (s *Service) handlePData(ctx context.Context, p *pdu.PDataTF) {
	a := s.Association()
	for i := range p.Items {
		v := &p.Items[i]
		pc, ok := a.Context(v.ContextID)
		if !ok || !pc.Accepted() {
			s.abortInvalid(fmt.Errorf("PDV on unaccepted presentation context %d", v.ContextID))
			return
		}
		msg, err := s.assembler.add(v)
		if err != nil {
			s.assembler.reset()
			s.abortInvalid(err)
			return
		}
		if msg == nil {
			continue
		}
		msg.TransferSyntax = pc.AcceptedTransferSyntax
		s.handler.OnMessage(ctx, msg)
	}
}

func (s *Service) abortInvalid(err error) {
	s.logger.Warn("Invalid P-DATA-TF", "error", err)
	s.abort(pdu.AbortSourceServiceProvider, pdu.AbortReasonInvalidPDUParamValue,
		fmt.Errorf("%w: %v", dicomerr.ErrInvalidMessage, err))
}

func (s *Service) handleReleaseRQ(ctx context.Context, collision bool) {
	if err := s.transition(eventReceiveReleaseRQ); err != nil {
		s.abort(pdu.AbortSourceServiceProvider, pdu.AbortReasonUnexpectedPDU, err)
		return
	}
	s.handler.OnReleaseRequest(ctx)
	if err := s.sendControl(&pdu.AReleaseRP{}); err != nil {
		s.terminate(err)
		return
	}
	if collision {
		// our own request still needs its A-RELEASE-RP
		s.logger.Info("Release collision, awaiting peer response")
		return
	}
	s.logger.Info("Association released by peer")
	s.terminate(nil)
}

// SendMessage writes msg as command and data fragments on its presentation context. The
// whole message is written before any other PDU.
func (s *Service) SendMessage(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		if err := s.Err(); err != nil {
			return err
		}
		return dicomerr.ErrConnectionClosed
	}
	state := s.State()
	if state != StateEstablished && state != StateReleasePending {
		return fmt.Errorf("engine: cannot send in state %s", state)
	}
	a := s.Association()
	pc, ok := a.Context(msg.ContextID)
	if !ok || !pc.Accepted() {
		return fmt.Errorf("%w: context %d", dicomerr.ErrNoPresentationCtx, msg.ContextID)
	}

	max := int(a.RemoteMaxPDULength)
	if max == 0 {
		max = types.DefaultMaxPDULength
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	w := newPDataWriter(max, s.opts.MaxPDVsPerPDU, func(p *pdu.PDataTF) error { return s.writePDU(p) })
	w.begin(msg.ContextID, true)
	if _, err := w.Write(msg.Command); err != nil {
		return err
	}
	if err := w.end(); err != nil {
		return err
	}

	switch {
	case msg.Dataset != nil:
		w.begin(msg.ContextID, false)
		ts := dicom.LookupTransferSyntax(pc.AcceptedTransferSyntax)
		if err := dicom.WriteDataset(w, msg.Dataset, ts, dicom.WriteOptions{}); err != nil {
			return fmt.Errorf("encode data set: %w", err)
		}
		if err := w.end(); err != nil {
			return err
		}
	case msg.Data != nil:
		w.begin(msg.ContextID, false)
		rc, err := msg.Data.Open()
		if err != nil {
			return err
		}
		_, err = io.CopyBuffer(w, rc, make([]byte, 32*1024))
		rc.Close()
		if err != nil {
			return err
		}
		if err := w.end(); err != nil {
			return err
		}
	}
	return w.flush()
}

// Release requests an orderly release and waits for it to finish.
func (s *Service) Release(ctx context.Context) error {
	if err := s.transition(eventRequestRelease); err != nil {
		return err
	}
	if err := s.sendControl(&pdu.AReleaseRQ{}); err != nil {
		s.terminate(err)
		return err
	}
	s.startARTIM("release request")
	select {
	case <-s.done:
	case <-ctx.Done():
		s.abort(pdu.AbortSourceServiceUser, pdu.AbortReasonNotSpecified, ctx.Err())
		<-s.done
	}
	return s.Err()
}

// Abort sends A-ABORT and closes the transport.
func (s *Service) Abort(source, reason byte) {
	s.abort(source, reason, dicomerr.NewAbortError(source, reason))
}

func (s *Service) abort(source, reason byte, cause error) {
	if s.closed.Load() {
		return
	}
	s.transition(eventAbort)
	s.logger.Warn("Aborting association", "source", source, "reason", reason, "cause", cause)
	if s.conn != nil && s.writeMu.TryLock() {
		_ = s.writePDU(&pdu.AAbort{Source: source, Reason: reason})
		s.writeMu.Unlock()
	}
	if cause == nil {
		cause = dicomerr.NewAbortError(source, reason)
	}
	s.terminate(cause)
}

// Close tears down the transport without an A-ABORT.
func (s *Service) Close() error {
	s.terminate(dicomerr.ErrConnectionClosed)
	return nil
}

// terminate moves to closed and releases everything exactly once.
func (s *Service) terminate(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		s.closed.Store(true)
		s.stopARTIM()
		if s.State() != StateClosed {
			s.transition(eventClose)
		}
		if s.conn != nil {
			s.conn.Close()
		}
		if err != nil {
			s.logger.Debug("Association terminated", "error", err)
		}
		close(s.done)
		s.handler.OnClosed(err)
	})
}
