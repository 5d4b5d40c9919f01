package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/caio-sobreiro/dicomulp/association"
	"github.com/caio-sobreiro/dicomulp/dicom"
	"github.com/caio-sobreiro/dicomulp/dimse"
	"github.com/caio-sobreiro/dicomulp/engine"
	dicomerr "github.com/caio-sobreiro/dicomulp/errors"
	"github.com/caio-sobreiro/dicomulp/interfaces"
	"github.com/caio-sobreiro/dicomulp/pdu"
	"github.com/caio-sobreiro/dicomulp/services"
	"github.com/caio-sobreiro/dicomulp/types"
)

// drainTimeout bounds how long a closing connection waits for running handlers.
const drainTimeout = 30 * time.Second

// session serves one connection. It is the engine.Handler of its Service.
type session struct {
	srv    *Server
	svc    *engine.Service
	logger *slog.Logger

	mu    sync.Mutex
	assoc *association.Association
	pump  *dimse.Pump
}

var _ engine.Handler = (*session)(nil)

func newSession(srv *Server, logger *slog.Logger) *session {
	return &session{srv: srv, logger: logger}
}

func (s *session) OnAssociationRequest(ctx context.Context, a *association.Association) engine.Decision {
	if max := s.srv.maxAssociations(); max > 0 && s.srv.Active() > max {
		s.logger.Warn("Association limit reached", "max_associations", max)
		return engine.RejectAssociation(pdu.RejectSourceServiceProviderPresentation, byte(dicomerr.RejectReasonLocalLimitExceeded))
	}
	if s.srv.StrictCalledAE && a.CalledAE != s.srv.AETitle {
		s.logger.Warn("Called AE title not recognized", "called_ae", a.CalledAE, "ae_title", s.srv.AETitle)
		return engine.RejectAssociation(pdu.RejectSourceServiceUser, byte(dicomerr.RejectReasonCalledAETitleNotRecognized))
	}

	var decision engine.Decision
	if h, ok := s.srv.Provider.(interfaces.AssociationHandler); ok {
		decision = h.OnAssociationRequest(ctx, a)
	} else {
		a.Negotiate(s.srv.policy())
		decision = engine.AcceptAssociation()
	}
	if !decision.Accept {
		return decision
	}

	opts := s.svc.Options()
	pump := dimse.NewPump(s.svc, a, dimse.PumpOptions{
		Handler:        s.registry(),
		IgnoreAsyncOps: opts.IgnoreAsyncOps,
		LogDatasets:    opts.LogDimseDatasets,
		Logger:         s.logger,
		Codecs:         s.srv.Codecs,
	})
	s.mu.Lock()
	s.assoc = a
	s.pump = pump
	s.mu.Unlock()
	return decision
}

func (s *session) currentPump() *dimse.Pump {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pump
}

func (s *session) OnMessage(ctx context.Context, msg *engine.Message) {
	pump := s.currentPump()
	if pump == nil {
		msg.Release()
		return
	}
	if err := pump.Dispatch(ctx, msg); err != nil {
		s.logger.Warn("Undecodable DIMSE message", "context_id", msg.ContextID, "error", err)
		s.svc.Abort(pdu.AbortSourceServiceProvider, pdu.AbortReasonInvalidPDUParamValue)
	}
}

func (s *session) OnReleaseRequest(ctx context.Context) {
	if h, ok := s.srv.Provider.(interfaces.ReleaseHandler); ok {
		s.mu.Lock()
		a := s.assoc
		s.mu.Unlock()
		h.OnAssociationRelease(ctx, a)
	}
}

func (s *session) OnAbort(ctx context.Context, source, reason byte) {
	if h, ok := s.srv.Provider.(interfaces.AbortHandler); ok {
		h.OnAbort(ctx, source, reason)
	}
}

func (s *session) OnClosed(err error) {
	if pump := s.currentPump(); pump != nil {
		pump.FailAll(err)
	}
	if h, ok := s.srv.Provider.(interfaces.ConnectionClosedHandler); ok {
		h.OnConnectionClosed(context.Background(), err)
	}
}

// shutdown waits for request handlers still running after the association ended.
func (s *session) shutdown() {
	pump := s.currentPump()
	if pump == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := pump.Close(ctx); err != nil {
		s.logger.Warn("Request handlers did not finish", "error", err)
	}
}

// registry routes requests to the provider's capabilities. Commands the provider does not
// serve get SOP Class Not Supported from the registry.
func (s *session) registry() *services.Registry {
	r := services.NewRegistry(s.logger)
	p := s.srv.Provider

	echo, ok := p.(interfaces.EchoHandler)
	if !ok {
		echo = services.NewEchoService(s.logger)
	}
	r.RegisterHandler(types.CEchoRQ, dimse.RequestHandlerFunc(func(ctx context.Context, msg *dimse.Message, w dimse.ResponseWriter) error {
		return w.Send(services.NewCEchoResponse(msg.Command, echo.OnCEcho(ctx, msg)), nil)
	}))
	if h, ok := p.(interfaces.StoreHandler); ok {
		r.RegisterHandler(types.CStoreRQ, dimse.RequestHandlerFunc(func(ctx context.Context, msg *dimse.Message, w dimse.ResponseWriter) error {
			return w.Send(services.NewCStoreResponse(msg.Command, h.OnCStore(ctx, msg)), nil)
		}))
	}
	if h, ok := p.(interfaces.FindHandler); ok {
		r.RegisterHandler(types.CFindRQ, dimse.RequestHandlerFunc(h.OnCFind))
	}
	if h, ok := p.(interfaces.MoveHandler); ok {
		r.RegisterHandler(types.CMoveRQ, dimse.RequestHandlerFunc(h.OnCMove))
	}
	if h, ok := p.(interfaces.GetHandler); ok {
		r.RegisterHandler(types.CGetRQ, dimse.RequestHandlerFunc(func(ctx context.Context, msg *dimse.Message, w dimse.ResponseWriter) error {
			return h.OnCGet(ctx, msg, &getResponder{ResponseWriter: w, session: s})
		}))
	}
	if h, ok := p.(interfaces.NHandler); ok {
		for _, field := range []uint16{types.NEventReportRQ, types.NGetRQ, types.NSetRQ, types.NActionRQ, types.NCreateRQ, types.NDeleteRQ} {
			r.RegisterHandler(field, dimse.RequestHandlerFunc(h.HandleN))
		}
	}
	return r
}

// getResponder sends C-GET sub-operations back over the requesting association.
type getResponder struct {
	dimse.ResponseWriter
	session *session
}

func (g *getResponder) SendCStore(ctx context.Context, ds *dicom.Dataset) (uint16, error) {
	pump := g.session.currentPump()
	if pump == nil {
		return 0, dicomerr.ErrConnectionClosed
	}
	req := dimse.NewCStoreRequest(ds)
	if err := pump.Send(ctx, req); err != nil {
		return 0, err
	}
	rsp, err := req.Wait(ctx)
	if rsp != nil {
		return rsp.Command.Status, nil
	}
	return 0, err
}
