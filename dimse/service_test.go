package dimse

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomulp/association"
	"github.com/caio-sobreiro/dicomulp/dicom"
	"github.com/caio-sobreiro/dicomulp/engine"
	dicomerr "github.com/caio-sobreiro/dicomulp/errors"
	"github.com/caio-sobreiro/dicomulp/types"
)

// fakeSender records what the pump writes.
type fakeSender struct {
	mu   sync.Mutex
	sent []*engine.Message
	ch   chan *engine.Message
	err  error
}

func newFakeSender() *fakeSender {
	return &fakeSender{ch: make(chan *engine.Message, 64)}
}

func (f *fakeSender) SendMessage(_ context.Context, msg *engine.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	f.ch <- msg
	return nil
}

func (f *fakeSender) next(t *testing.T) (*engine.Message, *Command) {
	t.Helper()
	select {
	case m := <-f.ch:
		cmd, err := DecodeCommand(m.Command)
		require.NoError(t, err)
		return m, cmd
	case <-time.After(2 * time.Second):
		t.Fatal("nothing sent")
		return nil, nil
	}
}

func testAssociation(window uint16) *association.Association {
	a := association.New("SCU", "SCP")
	a.MaxAsyncOpsInvoked = window
	pc, _ := a.AddContext(types.VerificationSOPClass, types.ImplicitVRLittleEndian)
	pc.Accept(types.ImplicitVRLittleEndian)
	pc, _ = a.AddContext(types.CTImageStorage, types.ExplicitVRLittleEndian)
	pc.Accept(types.ExplicitVRLittleEndian)
	return a
}

func response(t *testing.T, ctxID byte, field, respondingTo, status uint16, ds *dicom.Dataset) *engine.Message {
	t.Helper()
	cmd := &Command{}
	cmd.CommandField = field
	cmd.MessageIDBeingRespondedTo = respondingTo
	cmd.Status = status
	cmd.CommandDataSetType = types.NoDataSet
	em := &engine.Message{ContextID: ctxID, TransferSyntax: types.ImplicitVRLittleEndian}
	if ds != nil {
		cmd.CommandDataSetType = types.DataSetPresent
		b, err := dicom.EncodeDatasetWithTransferSyntax(ds, types.ImplicitVRLittleEndian)
		require.NoError(t, err)
		em.Data = dicom.NewMemoryBuffer(b, nil)
	}
	b, err := EncodeCommand(cmd)
	require.NoError(t, err)
	em.Command = b
	return em
}

func TestPumpEcho(t *testing.T) {
	sender := newFakeSender()
	p := NewPump(sender, testAssociation(1), PumpOptions{})
	defer p.Close(context.Background())

	req := NewCEchoRequest()
	var calls int
	req.OnResponse = func(*Request, *Message) { calls++ }
	require.NoError(t, p.Send(context.Background(), req))

	em, cmd := sender.next(t)
	assert.Equal(t, byte(1), em.ContextID)
	assert.Equal(t, uint16(types.CEchoRQ), cmd.CommandField)
	assert.Equal(t, uint16(1), cmd.MessageID)
	assert.Equal(t, 1, p.Pending())

	require.NoError(t, p.Dispatch(context.Background(), response(t, 1, types.CEchoRSP, cmd.MessageID, StatusSuccess, nil)))
	rsp, err := req.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(StatusSuccess), rsp.Command.Status)
	assert.Equal(t, 1, calls)
	assert.Zero(t, p.Pending())
	require.NoError(t, p.Wait(context.Background()))
}

func TestPumpPendingResponses(t *testing.T) {
	sender := newFakeSender()
	p := NewPump(sender, testAssociation(1), PumpOptions{})
	defer p.Close(context.Background())

	a := p.assoc
	pc, _ := a.AddContext(types.StudyRootQueryRetrieveInformationModelFind, types.ImplicitVRLittleEndian)
	pc.Accept(types.ImplicitVRLittleEndian)

	identifier := dicom.NewDataset()
	identifier.SetString(dicom.TagPatientName, dicom.VR_PN, "")
	req := NewCFindRequest(LevelStudy, types.StudyRootQueryRetrieveInformationModelFind, identifier)
	var names []string
	req.OnResponse = func(_ *Request, rsp *Message) {
		if rsp.Dataset != nil {
			names = append(names, rsp.Dataset.GetString(dicom.TagPatientName))
		}
	}
	require.NoError(t, p.Send(context.Background(), req))
	em, cmd := sender.next(t)
	require.NotNil(t, em.Dataset)
	assert.Equal(t, LevelStudy, em.Dataset.GetString(dicom.TagQueryRetrieveLevel))
	assert.Equal(t, uint16(types.PriorityMedium), cmd.Priority)

	for _, name := range []string{"DOE^JOHN", "ROE^JANE"} {
		match := dicom.NewDataset()
		match.SetString(dicom.TagPatientName, dicom.VR_PN, name)
		require.NoError(t, p.Dispatch(context.Background(), response(t, pc.ID, types.CFindRSP, cmd.MessageID, StatusPending, match)))
		assert.Equal(t, 1, p.Pending())
	}
	require.NoError(t, p.Dispatch(context.Background(), response(t, pc.ID, types.CFindRSP, cmd.MessageID, StatusSuccess, nil)))

	_, err := req.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"DOE^JOHN", "ROE^JANE"}, names)
}

func TestPumpTruncatedResponseDataSet(t *testing.T) {
	sender := newFakeSender()
	p := NewPump(sender, testAssociation(1), PumpOptions{})
	defer p.Close(context.Background())

	pc, _ := p.assoc.AddContext(types.StudyRootQueryRetrieveInformationModelFind, types.ImplicitVRLittleEndian)
	pc.Accept(types.ImplicitVRLittleEndian)

	identifier := dicom.NewDataset()
	identifier.SetString(dicom.TagPatientName, dicom.VR_PN, "")
	req := NewCFindRequest(LevelStudy, types.StudyRootQueryRetrieveInformationModelFind, identifier)
	require.NoError(t, p.Send(context.Background(), req))
	_, cmd := sender.next(t)

	// (0010,0010) declares 100 bytes but carries two.
	rsp := response(t, pc.ID, types.CFindRSP, cmd.MessageID, StatusPending, dicom.NewDataset())
	rsp.Data = dicom.NewMemoryBuffer([]byte{0x10, 0x00, 0x10, 0x00, 0x64, 0x00, 0x00, 0x00, 'A', 'B'}, nil)
	require.NoError(t, p.Dispatch(context.Background(), rsp))
	assert.Zero(t, p.Pending())

	_, err := req.Wait(context.Background())
	var encErr *dicomerr.EncodingError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, uint16(0x0010), encErr.Group)
	assert.Equal(t, uint16(0x0010), encErr.Element)

	// The async slot was returned.
	require.NoError(t, p.Send(context.Background(), NewCEchoRequest()))
}

func TestPumpAsyncWindow(t *testing.T) {
	sender := newFakeSender()
	p := NewPump(sender, testAssociation(2), PumpOptions{})
	defer p.Close(context.Background())

	for i := 0; i < 2; i++ {
		require.NoError(t, p.Send(context.Background(), NewCEchoRequest()))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Send(ctx, NewCEchoRequest()), context.DeadlineExceeded)

	_, first := sender.next(t)
	sender.next(t)
	require.NoError(t, p.Dispatch(context.Background(), response(t, 1, types.CEchoRSP, first.MessageID, StatusSuccess, nil)))
	require.NoError(t, p.Send(context.Background(), NewCEchoRequest()))
	assert.Equal(t, 2, p.Pending())
}

func TestPumpIgnoreAsyncOps(t *testing.T) {
	p := NewPump(newFakeSender(), testAssociation(1), PumpOptions{IgnoreAsyncOps: true})
	defer p.Close(context.Background())
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Send(context.Background(), NewCEchoRequest()))
	}
	assert.Equal(t, 5, p.Pending())
}

func TestPumpNoPresentationContext(t *testing.T) {
	sender := newFakeSender()
	p := NewPump(sender, testAssociation(1), PumpOptions{})
	defer p.Close(context.Background())

	ds := dicom.NewDataset()
	ds.SetString(dicom.TagSOPClassUID, dicom.VR_UI, types.MRImageStorage)
	ds.SetString(dicom.TagSOPInstanceUID, dicom.VR_UI, "1.2.3")
	req := NewCStoreRequest(ds)
	err := p.Send(context.Background(), req)
	assert.ErrorIs(t, err, dicomerr.ErrNoPresentationCtx)
	assert.Empty(t, sender.sent)

	_, werr := req.Wait(context.Background())
	assert.ErrorIs(t, werr, dicomerr.ErrNoPresentationCtx)

	// The slot was returned.
	require.NoError(t, p.Send(context.Background(), NewCEchoRequest()))
}

func TestPumpUnknownResponseIgnored(t *testing.T) {
	p := NewPump(newFakeSender(), testAssociation(1), PumpOptions{})
	defer p.Close(context.Background())
	assert.NoError(t, p.Dispatch(context.Background(), response(t, 1, types.CEchoRSP, 42, StatusSuccess, nil)))
}

func TestPumpFailureStatus(t *testing.T) {
	sender := newFakeSender()
	p := NewPump(sender, testAssociation(1), PumpOptions{})
	defer p.Close(context.Background())

	ds := dicom.NewDataset()
	ds.SetString(dicom.TagSOPClassUID, dicom.VR_UI, types.CTImageStorage)
	ds.SetString(dicom.TagSOPInstanceUID, dicom.VR_UI, "1.2.3.4")
	req := NewCStoreRequest(ds)
	require.NoError(t, p.Send(context.Background(), req))
	em, cmd := sender.next(t)
	assert.Equal(t, byte(3), em.ContextID)
	assert.Equal(t, "1.2.3.4", cmd.AffectedSOPInstanceUID)

	require.NoError(t, p.Dispatch(context.Background(), response(t, 3, types.CStoreRSP, cmd.MessageID, types.StatusOutOfResources, nil)))
	rsp, err := req.Wait(context.Background())
	require.NotNil(t, rsp)
	var derr *dicomerr.DIMSEError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, uint16(types.StatusOutOfResources), derr.Status)
}

func TestPumpFailAll(t *testing.T) {
	p := NewPump(newFakeSender(), testAssociation(0), PumpOptions{})
	defer p.Close(context.Background())

	reqs := []*Request{NewCEchoRequest(), NewCEchoRequest(), NewCEchoRequest()}
	for _, r := range reqs {
		require.NoError(t, p.Send(context.Background(), r))
	}

	done := make(chan error, 1)
	go func() { done <- p.Wait(context.Background()) }()

	p.FailAll(dicomerr.ErrAborted)
	for _, r := range reqs {
		_, err := r.Wait(context.Background())
		assert.ErrorIs(t, err, dicomerr.ErrAborted)
	}
	require.NoError(t, <-done)
	assert.ErrorIs(t, p.Send(context.Background(), NewCEchoRequest()), dicomerr.ErrAborted)
}

func TestPumpMessageIDsSkipOutstanding(t *testing.T) {
	p := NewPump(newFakeSender(), testAssociation(0), PumpOptions{})
	defer p.Close(context.Background())

	first := NewCEchoRequest()
	require.NoError(t, p.Send(context.Background(), first))
	require.Equal(t, uint16(1), first.MessageID())

	// Wrap the counter so that the next candidate is the outstanding ID 1.
	p.nextID.Store(0xFFFF)
	next := NewCEchoRequest()
	require.NoError(t, p.Send(context.Background(), next))
	assert.Equal(t, uint16(2), next.MessageID())
}

func TestPumpKeepsCallerMessageID(t *testing.T) {
	p := NewPump(newFakeSender(), testAssociation(0), PumpOptions{})
	defer p.Close(context.Background())

	req := NewCEchoRequest()
	req.Command.MessageID = 7
	require.NoError(t, p.Send(context.Background(), req))
	assert.Equal(t, uint16(7), req.MessageID())

	// 7 is outstanding, so a second request asking for it gets a fresh ID.
	dup := NewCEchoRequest()
	dup.Command.MessageID = 7
	require.NoError(t, p.Send(context.Background(), dup))
	assert.Equal(t, uint16(1), dup.MessageID())
}

func TestRequestAbandon(t *testing.T) {
	req := &Request{Command: &Command{}}
	req.Abandon(dicomerr.ErrAborted)
	_, err := req.Wait(context.Background())
	assert.ErrorIs(t, err, dicomerr.ErrAborted)
}

func TestPumpCancelUsesTargetContext(t *testing.T) {
	sender := newFakeSender()
	p := NewPump(sender, testAssociation(1), PumpOptions{})
	defer p.Close(context.Background())

	ds := dicom.NewDataset()
	ds.SetString(dicom.TagSOPClassUID, dicom.VR_UI, types.CTImageStorage)
	ds.SetString(dicom.TagSOPInstanceUID, dicom.VR_UI, "1.2.3.4")
	req := NewCStoreRequest(ds)
	require.NoError(t, p.Send(context.Background(), req))
	sender.next(t)

	// C-CANCEL takes no slot even though the window is full.
	require.NoError(t, p.Send(context.Background(), NewCCancelRequest(req.MessageID())))
	em, cmd := sender.next(t)
	assert.Equal(t, byte(3), em.ContextID)
	assert.Equal(t, uint16(types.CCancelRQ), cmd.CommandField)
	assert.Equal(t, req.MessageID(), cmd.MessageIDBeingRespondedTo)

	assert.ErrorIs(t, p.Send(context.Background(), NewCCancelRequest(999)), dicomerr.ErrInvalidMessage)
}

func incomingRequest(t *testing.T, ctxID byte, field, id uint16, sopClass string) *engine.Message {
	t.Helper()
	cmd := &Command{}
	cmd.CommandField = field
	cmd.MessageID = id
	cmd.AffectedSOPClassUID = sopClass
	cmd.CommandDataSetType = types.NoDataSet
	b, err := EncodeCommand(cmd)
	require.NoError(t, err)
	return &engine.Message{ContextID: ctxID, Command: b, TransferSyntax: types.ImplicitVRLittleEndian}
}

func TestPumpServesRequests(t *testing.T) {
	sender := newFakeSender()
	handler := RequestHandlerFunc(func(ctx context.Context, msg *Message, w ResponseWriter) error {
		rsp := &Command{}
		rsp.Status = StatusSuccess
		return w.Send(rsp, nil)
	})
	p := NewPump(sender, testAssociation(1), PumpOptions{Handler: handler})
	defer p.Close(context.Background())

	require.NoError(t, p.Dispatch(context.Background(), incomingRequest(t, 1, types.CEchoRQ, 11, types.VerificationSOPClass)))
	em, cmd := sender.next(t)
	assert.Equal(t, byte(1), em.ContextID)
	assert.Equal(t, uint16(types.CEchoRSP), cmd.CommandField)
	assert.Equal(t, uint16(11), cmd.MessageIDBeingRespondedTo)
	assert.Equal(t, types.VerificationSOPClass, cmd.AffectedSOPClassUID)
	assert.Equal(t, uint16(types.NoDataSet), cmd.CommandDataSetType)
}

func TestPumpHandlerErrorSendsFailure(t *testing.T) {
	sender := newFakeSender()
	handler := RequestHandlerFunc(func(context.Context, *Message, ResponseWriter) error {
		return errors.New("disk full")
	})
	p := NewPump(sender, testAssociation(1), PumpOptions{Handler: handler})
	defer p.Close(context.Background())

	require.NoError(t, p.Dispatch(context.Background(), incomingRequest(t, 1, types.CEchoRQ, 3, types.VerificationSOPClass)))
	_, cmd := sender.next(t)
	assert.Equal(t, uint16(types.StatusProcessingFailure), cmd.Status)
	assert.Equal(t, "disk full", cmd.ErrorComment)
}

func TestPumpWithoutHandler(t *testing.T) {
	sender := newFakeSender()
	p := NewPump(sender, testAssociation(1), PumpOptions{})
	defer p.Close(context.Background())

	require.NoError(t, p.Dispatch(context.Background(), incomingRequest(t, 1, types.CEchoRQ, 3, types.VerificationSOPClass)))
	_, cmd := sender.next(t)
	assert.Equal(t, uint16(types.StatusUnrecognizedOperation), cmd.Status)
}

func TestPumpIncomingCancel(t *testing.T) {
	sender := newFakeSender()
	started := make(chan struct{})
	handler := RequestHandlerFunc(func(ctx context.Context, msg *Message, w ResponseWriter) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	a := testAssociation(1)
	pc, _ := a.AddContext(types.StudyRootQueryRetrieveInformationModelFind, types.ImplicitVRLittleEndian)
	pc.Accept(types.ImplicitVRLittleEndian)
	p := NewPump(sender, a, PumpOptions{Handler: handler})
	defer p.Close(context.Background())

	require.NoError(t, p.Dispatch(context.Background(), incomingRequest(t, pc.ID, types.CFindRQ, 8, types.StudyRootQueryRetrieveInformationModelFind)))
	<-started

	cancel := &Command{}
	cancel.CommandField = types.CCancelRQ
	cancel.MessageIDBeingRespondedTo = 8
	cancel.CommandDataSetType = types.NoDataSet
	b, err := EncodeCommand(cancel)
	require.NoError(t, err)
	require.NoError(t, p.Dispatch(context.Background(), &engine.Message{ContextID: pc.ID, Command: b}))

	_, cmd := sender.next(t)
	assert.Equal(t, uint16(types.CFindRSP), cmd.CommandField)
	assert.Equal(t, uint16(StatusCancel), cmd.Status)
}
