// Package dimse encodes DIMSE command sets and pumps requests and responses over an
// established association.
package dimse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"go.uber.org/atomic"

	"github.com/caio-sobreiro/dicomulp/association"
	"github.com/caio-sobreiro/dicomulp/dicom"
	"github.com/caio-sobreiro/dicomulp/engine"
	dicomerr "github.com/caio-sobreiro/dicomulp/errors"
	"github.com/caio-sobreiro/dicomulp/imaging"
	"github.com/caio-sobreiro/dicomulp/internal/workqueue"
	"github.com/caio-sobreiro/dicomulp/types"
)

// Sender writes a message on an association, typically an *engine.Service.
type Sender interface {
	SendMessage(ctx context.Context, msg *engine.Message) error
}

// ResponseWriter emits responses for one incoming request on its presentation context.
type ResponseWriter interface {
	// Send writes a response. Unset identifying fields are taken from the request and the
	// data set type follows ds.
	Send(cmd *Command, ds *dicom.Dataset) error
}

// RequestHandler serves incoming requests. A handler returning without a final response gets
// one sent for it: Processing Failure on error, Success otherwise.
type RequestHandler interface {
	HandleRequest(ctx context.Context, msg *Message, w ResponseWriter) error
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(ctx context.Context, msg *Message, w ResponseWriter) error

func (f RequestHandlerFunc) HandleRequest(ctx context.Context, msg *Message, w ResponseWriter) error {
	return f(ctx, msg, w)
}

// PumpOptions configures a Pump.
type PumpOptions struct {
	Handler RequestHandler
	// IgnoreAsyncOps sends without waiting for the negotiated asynchronous operations window.
	IgnoreAsyncOps bool
	LogDatasets    bool
	Logger         *slog.Logger
	// Queue runs incoming requests; a private queue is created when nil.
	Queue *workqueue.Queue
	// Codecs transcodes pixel data whose syntax differs from the accepted one.
	Codecs *imaging.Registry
}

// Pump correlates requests with responses on one association and feeds incoming requests to
// a RequestHandler.
type Pump struct {
	sender Sender
	assoc  *association.Association
	opts   PumpOptions
	logger *slog.Logger

	slots  chan struct{}
	nextID *atomic.Uint32

	mu       sync.Mutex
	pending  map[uint16]*Request
	changed  chan struct{}
	active   map[uint16]context.CancelFunc
	closeErr error

	ctx       context.Context
	cancel    context.CancelFunc
	queue     *workqueue.Queue
	ownsQueue bool
}

// NewPump creates a pump for an established association.
func NewPump(sender Sender, assoc *association.Association, opts PumpOptions) *Pump {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Codecs == nil {
		opts.Codecs = imaging.Default()
	}
	p := &Pump{
		sender:  sender,
		assoc:   assoc,
		opts:    opts,
		logger:  opts.Logger,
		nextID:  atomic.NewUint32(0),
		pending: make(map[uint16]*Request),
		changed: make(chan struct{}),
		active:  make(map[uint16]context.CancelFunc),
		queue:   opts.Queue,
	}
	if window := int(assoc.MaxAsyncOpsInvoked); window > 0 && !opts.IgnoreAsyncOps {
		p.slots = make(chan struct{}, window)
	}
	if p.queue == nil {
		p.queue = workqueue.New(workqueue.Options{Logger: opts.Logger})
		p.ownsQueue = true
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Pending returns the number of outstanding requests.
func (p *Pump) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Wait blocks until no request is outstanding.
func (p *Pump) Wait(ctx context.Context) error {
	for {
		p.mu.Lock()
		n, ch := len(p.pending), p.changed
		p.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// notify wakes Wait. Callers hold p.mu.
func (p *Pump) notify() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Send transmits req. It blocks while the asynchronous window is full. A MessageID set by
// the caller is kept unless it is outstanding.
func (p *Pump) Send(ctx context.Context, req *Request) error {
	if req.done == nil {
		req.done = make(chan struct{})
	}
	if req.Command == nil {
		return fmt.Errorf("%w: request without command", dicomerr.ErrInvalidMessage)
	}
	if err := p.err(); err != nil {
		req.fail(err)
		return err
	}
	if req.Command.CommandField == types.CCancelRQ {
		return p.sendCancel(ctx, req)
	}

	if p.slots != nil {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	pc, err := p.contextFor(req)
	if err != nil {
		p.freeSlot()
		req.fail(err)
		return err
	}
	req.contextID = pc.ID

	p.mu.Lock()
	if p.closeErr != nil {
		err := p.closeErr
		p.mu.Unlock()
		p.freeSlot()
		req.fail(err)
		return err
	}
	if id := req.Command.MessageID; id == 0 || p.pending[id] != nil {
		req.Command.MessageID = p.allocateID()
	}
	p.pending[req.Command.MessageID] = req
	p.mu.Unlock()

	if err := p.write(ctx, pc, req.Command, req.Dataset, req.Data); err != nil {
		p.remove(req.Command.MessageID)
		req.fail(err)
		return err
	}
	p.logger.DebugContext(ctx, "DIMSE request sent",
		"command", types.CommandName(req.Command.CommandField),
		"message_id", req.Command.MessageID,
		"context_id", pc.ID)
	return nil
}

func (p *Pump) sendCancel(ctx context.Context, req *Request) error {
	target := req.Command.MessageIDBeingRespondedTo
	p.mu.Lock()
	orig, ok := p.pending[target]
	p.mu.Unlock()
	if !ok {
		err := fmt.Errorf("%w: no outstanding request %d to cancel", dicomerr.ErrInvalidMessage, target)
		req.fail(err)
		return err
	}
	pc, _ := p.assoc.Context(orig.contextID)
	req.contextID = pc.ID
	err := p.write(ctx, pc, req.Command, nil, nil)
	req.complete(nil, err)
	return err
}

// allocateID returns the next message ID, skipping 0 and IDs still outstanding.
// Callers hold p.mu.
func (p *Pump) allocateID() uint16 {
	for {
		id := uint16(p.nextID.Inc())
		if id == 0 {
			continue
		}
		if _, busy := p.pending[id]; !busy {
			return id
		}
	}
}

func (p *Pump) contextFor(req *Request) (*association.PresentationContext, error) {
	abstract := req.Command.AffectedSOPClassUID
	if abstract == "" {
		abstract = req.Command.RequestedSOPClassUID
	}
	if abstract == "" {
		return nil, fmt.Errorf("%w: %s without SOP class", dicomerr.ErrInvalidMessage, types.CommandName(req.Command.CommandField))
	}
	ts := req.TransferSyntax
	if ts == "" && req.Dataset != nil {
		ts = req.Dataset.TransferSyntax
	}
	if ts != "" {
		if pc, ok := p.assoc.AcceptedContextFor(abstract, ts); ok {
			return pc, nil
		}
		if req.TransferSyntax != "" {
			return nil, fmt.Errorf("%w: %s with %s", dicomerr.ErrNoPresentationCtx, abstract, ts)
		}
	}
	if pc, ok := p.assoc.AcceptedContext(abstract); ok {
		return pc, nil
	}
	return nil, fmt.Errorf("%w: %s", dicomerr.ErrNoPresentationCtx, abstract)
}

func (p *Pump) write(ctx context.Context, pc *association.PresentationContext, cmd *Command, ds *dicom.Dataset, data dicom.Buffer) error {
	if ds != nil {
		var err error
		if ds, err = p.prepare(ds, pc.AcceptedTransferSyntax); err != nil {
			return err
		}
	}
	switch {
	case ds != nil || data != nil:
		cmd.CommandDataSetType = types.DataSetPresent
	default:
		cmd.CommandDataSetType = types.NoDataSet
	}
	b, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if p.opts.LogDatasets && ds != nil {
		var dump bytes.Buffer
		if err := dicom.Dump(&dump, ds); err == nil {
			p.logger.DebugContext(ctx, "DIMSE data set", "command", types.CommandName(cmd.CommandField), "dataset", dump.String())
		}
	}
	return p.sender.SendMessage(ctx, &engine.Message{ContextID: pc.ID, Command: b, Dataset: ds, Data: data})
}

// prepare transcodes ds when its pixel data is encapsulated in another syntax than target.
func (p *Pump) prepare(ds *dicom.Dataset, target string) (*dicom.Dataset, error) {
	if ds.TransferSyntax == "" || ds.TransferSyntax == target {
		return ds, nil
	}
	if !types.IsEncapsulated(ds.TransferSyntax) && !types.IsEncapsulated(target) {
		return ds, nil
	}
	out, err := imaging.Transcode(ds, target, p.opts.Codecs)
	if err != nil {
		return nil, fmt.Errorf("transcode %s to %s: %w", ds.TransferSyntax, target, err)
	}
	return out, nil
}

func (p *Pump) freeSlot() {
	if p.slots != nil {
		<-p.slots
	}
}

func (p *Pump) remove(id uint16) {
	p.mu.Lock()
	_, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
		p.notify()
	}
	p.mu.Unlock()
	if ok {
		p.freeSlot()
	}
}

func (p *Pump) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeErr
}

// FailAll fails every outstanding request with err and refuses further sends. It is called
// when the association ends.
func (p *Pump) FailAll(err error) {
	if err == nil {
		err = dicomerr.ErrConnectionClosed
	}
	p.mu.Lock()
	if p.closeErr == nil {
		p.closeErr = err
	}
	reqs := make([]*Request, 0, len(p.pending))
	for id, req := range p.pending {
		reqs = append(reqs, req)
		delete(p.pending, id)
	}
	for _, cancel := range p.active {
		cancel()
	}
	p.notify()
	p.mu.Unlock()

	for _, req := range reqs {
		p.freeSlot()
		req.fail(err)
	}
}

// Close fails what is outstanding and waits for running request handlers.
func (p *Pump) Close(ctx context.Context) error {
	p.FailAll(dicomerr.ErrConnectionClosed)
	p.cancel()
	if p.ownsQueue {
		return p.queue.Close(ctx)
	}
	return nil
}

// Dispatch routes one message received by the engine.
func (p *Pump) Dispatch(ctx context.Context, em *engine.Message) error {
	cmd, err := DecodeCommand(em.Command)
	if err != nil {
		em.Release()
		return err
	}
	cmd.TransferSyntaxUID = em.TransferSyntax
	msg := &Message{ContextID: em.ContextID, Command: cmd, TransferSyntax: em.TransferSyntax}

	if !cmd.IsRequest() {
		// Responses are small; read them fully so that nothing outlives the callback.
		err := p.decodeData(msg, em, true)
		msg.Release()
		if err != nil {
			p.failResponse(ctx, msg, err)
			return nil
		}
		p.dispatchResponse(ctx, msg)
		return nil
	}

	if err := p.decodeData(msg, em, false); err != nil {
		msg.Release()
		return err
	}
	if cmd.CommandField == types.CCancelRQ {
		p.cancelIncoming(ctx, cmd.MessageIDBeingRespondedTo)
		msg.Release()
		return nil
	}
	return p.dispatchRequest(msg)
}

func (p *Pump) decodeData(msg *Message, em *engine.Message, readAll bool) error {
	if em.Data == nil {
		return em.Release()
	}
	ts := dicom.LookupTransferSyntax(em.TransferSyntax)
	opts := dicom.ReadOptions{ReadAll: readAll, Logger: p.logger}

	var r io.ReaderAt
	switch b := em.Data.(type) {
	case *dicom.FileBuffer:
		f, err := os.Open(b.Path)
		if err != nil {
			em.Release()
			return err
		}
		msg.release = append(msg.release, em.Release, f.Close)
		r = io.NewSectionReader(f, b.Offset, b.Length)
	default:
		data, err := em.Data.Bytes()
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	ds, err := dicom.ReadDatasetAt(r, em.Data.Len(), ts, opts)
	if err != nil {
		return fmt.Errorf("decode %s data set: %w", types.CommandName(msg.Command.CommandField), err)
	}
	msg.Dataset = ds
	return nil
}

func (p *Pump) dispatchResponse(ctx context.Context, msg *Message) {
	id := msg.Command.MessageIDBeingRespondedTo
	p.mu.Lock()
	req, ok := p.pending[id]
	final := ok && !IsPending(msg.Command.Status)
	if final {
		delete(p.pending, id)
		p.notify()
	}
	p.mu.Unlock()

	if !ok {
		p.logger.WarnContext(ctx, "Response for unknown message ID",
			"command", types.CommandName(msg.Command.CommandField),
			"message_id_being_responded_to", id)
		return
	}
	p.logger.DebugContext(ctx, "DIMSE response received",
		"command", types.CommandName(msg.Command.CommandField),
		"message_id_being_responded_to", id,
		"status", fmt.Sprintf("0x%04x", msg.Command.Status))

	if req.OnResponse != nil {
		req.OnResponse(req, msg)
	}
	if final {
		p.freeSlot()
		req.complete(msg, nil)
	}
}

// failResponse completes the request whose response data set could not be
// decoded. The command set was valid, so the association stays up.
func (p *Pump) failResponse(ctx context.Context, msg *Message, err error) {
	id := msg.Command.MessageIDBeingRespondedTo
	p.mu.Lock()
	req, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
		p.notify()
	}
	p.mu.Unlock()

	p.logger.WarnContext(ctx, "Failed to decode response data set",
		"command", types.CommandName(msg.Command.CommandField),
		"message_id_being_responded_to", id,
		"error", err)
	if !ok {
		return
	}
	var encErr *dicomerr.EncodingError
	if !errors.As(err, &encErr) {
		encErr = dicomerr.NewEncodingError(0, 0, "decode response data set", err)
	}
	p.freeSlot()
	req.fail(encErr)
}

func (p *Pump) dispatchRequest(msg *Message) error {
	id := msg.Command.MessageID
	ctx, cancel := context.WithCancel(p.ctx)
	p.mu.Lock()
	p.active[id] = cancel
	p.mu.Unlock()

	err := p.queue.Queue(fmt.Sprintf("pc-%d", msg.ContextID), func() {
		defer func() {
			p.mu.Lock()
			delete(p.active, id)
			p.mu.Unlock()
			cancel()
			msg.Release()
		}()
		p.serve(ctx, msg)
	})
	if err != nil {
		p.mu.Lock()
		delete(p.active, id)
		p.mu.Unlock()
		cancel()
		msg.Release()
	}
	return err
}

func (p *Pump) cancelIncoming(ctx context.Context, id uint16) {
	p.mu.Lock()
	cancel, ok := p.active[id]
	p.mu.Unlock()
	if !ok {
		p.logger.DebugContext(ctx, "C-CANCEL for inactive message ID", "message_id_being_responded_to", id)
		return
	}
	p.logger.InfoContext(ctx, "C-CANCEL received", "message_id_being_responded_to", id)
	cancel()
}

func (p *Pump) serve(ctx context.Context, msg *Message) {
	w := &responder{pump: p, ctx: ctx, req: msg}
	field := msg.Command.CommandField
	p.logger.DebugContext(ctx, "DIMSE request received",
		"command", types.CommandName(field),
		"message_id", msg.Command.MessageID,
		"context_id", msg.ContextID)

	var err error
	if p.opts.Handler == nil {
		err = w.Send(&Command{Message: types.Message{Status: types.StatusUnrecognizedOperation}}, nil)
	} else {
		err = p.opts.Handler.HandleRequest(ctx, msg, w)
	}
	if err != nil {
		p.logger.WarnContext(ctx, "DIMSE request failed",
			"command", types.CommandName(field),
			"message_id", msg.Command.MessageID,
			"error", err)
	}
	if w.final {
		return
	}
	status := uint16(types.StatusSuccess)
	comment := ""
	switch {
	case errors.Is(err, context.Canceled):
		status = types.StatusCancel
	case err != nil:
		status = types.StatusProcessingFailure
		comment = truncateComment(err.Error())
	}
	rsp := &Command{}
	rsp.Status = status
	rsp.ErrorComment = comment
	if err := w.Send(rsp, nil); err != nil {
		p.logger.WarnContext(ctx, "Failed to send final response", "message_id", msg.Command.MessageID, "error", err)
	}
}

// truncateComment fits an error into (0000,0902), which is LO.
func truncateComment(s string) string {
	if len(s) > 64 {
		return s[:64]
	}
	return s
}

type responder struct {
	pump  *Pump
	ctx   context.Context
	req   *Message
	mu    sync.Mutex
	final bool
}

func (w *responder) Send(cmd *Command, ds *dicom.Dataset) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.final {
		return fmt.Errorf("%w: response after final response to message %d", dicomerr.ErrInvalidMessage, w.req.Command.MessageID)
	}
	rq := w.req.Command
	if cmd.CommandField == 0 {
		cmd.CommandField = types.ResponseCommandFor(rq.CommandField)
	}
	cmd.MessageIDBeingRespondedTo = rq.MessageID
	if cmd.AffectedSOPClassUID == "" {
		cmd.AffectedSOPClassUID = rq.AffectedSOPClassUID
	}
	if cmd.AffectedSOPInstanceUID == "" && rq.CommandField == types.CStoreRQ {
		cmd.AffectedSOPInstanceUID = rq.AffectedSOPInstanceUID
	}
	pc, ok := w.pump.assoc.Context(w.req.ContextID)
	if !ok {
		return fmt.Errorf("%w: context %d", dicomerr.ErrNoPresentationCtx, w.req.ContextID)
	}
	// Responses go out even when the handler context was canceled.
	if err := w.pump.write(context.WithoutCancel(w.ctx), pc, cmd, ds, nil); err != nil {
		return err
	}
	if !IsPending(cmd.Status) {
		w.final = true
	}
	return nil
}
