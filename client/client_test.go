package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomulp/association"
	"github.com/caio-sobreiro/dicomulp/dicom"
	"github.com/caio-sobreiro/dicomulp/dimse"
	dicomerr "github.com/caio-sobreiro/dicomulp/errors"
	"github.com/caio-sobreiro/dicomulp/interfaces"
	"github.com/caio-sobreiro/dicomulp/server"
	"github.com/caio-sobreiro/dicomulp/services"
	"github.com/caio-sobreiro/dicomulp/types"
)

// scp is a provider serving store, find and get from what it was sent.
type scp struct {
	mu          sync.Mutex
	stored      []string
	storeStatus uint16
	// findBlocks makes C-FIND wait until it is canceled.
	findBlocks bool
}

func (p *scp) OnCStore(_ context.Context, msg *dimse.Message) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stored = append(p.stored, msg.Command.AffectedSOPInstanceUID)
	return p.storeStatus
}

func (p *scp) OnCFind(ctx context.Context, msg *dimse.Message, w dimse.ResponseWriter) error {
	if p.findBlocks {
		<-ctx.Done()
		return ctx.Err()
	}
	for _, name := range []string{"DOE^JOHN", "DOE^JANE"} {
		match := dicom.NewDataset()
		match.SetString(dicom.TagPatientName, dicom.VR_PN, name)
		if err := w.Send(services.NewCFindPendingResponse(msg.Command), match); err != nil {
			return err
		}
	}
	return w.Send(services.NewCFindSuccessResponse(msg.Command), nil)
}

func (p *scp) OnCGet(ctx context.Context, msg *dimse.Message, w interfaces.CGetResponder) error {
	status, err := w.SendCStore(ctx, testInstance("1.2.3.4.100"))
	if err != nil {
		return err
	}
	var completed, failed uint16
	if status == types.StatusSuccess {
		completed = 1
	} else {
		failed = 1
	}
	return w.Send(services.NewCGetFinalResponse(msg.Command, completed, failed, 0), nil)
}

func (p *scp) storedInstances() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.stored...)
}

func testInstance(uid string) *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.SetString(dicom.TagSOPClassUID, dicom.VR_UI, types.CTImageStorage)
	ds.SetString(dicom.TagSOPInstanceUID, dicom.VR_UI, uid)
	ds.SetString(dicom.TagPatientName, dicom.VR_PN, "DOE^JOHN")
	return ds
}

func queryPolicy() *association.Policy {
	policy := association.DefaultPolicy()
	policy.AbstractSyntaxes = append(policy.AbstractSyntaxes,
		types.StudyRootQueryRetrieveInformationModelFind,
		types.StudyRootQueryRetrieveInformationModelGet,
	)
	return policy
}

// startSCP serves provider on a loopback port until the test ends.
func startSCP(t *testing.T, provider any, opts ...server.Option) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	opts = append([]server.Option{server.WithAcceptPolicy(queryPolicy())}, opts...)
	srv := server.New("TEST-SCP", provider, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func testConfig() Config {
	return Config{
		CallingAETitle: "TEST-SCU",
		CalledAETitle:  "TEST-SCP",
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
	}
}

func connect(t *testing.T, addr string, config Config) *Association {
	t.Helper()
	a, err := Connect(addr, config)
	require.NoError(t, err)
	return a
}

func TestConnectAndEcho(t *testing.T) {
	addr := startSCP(t, &scp{})
	a := connect(t, addr, testConfig())

	rsp, err := a.SendCEcho(5)
	require.NoError(t, err)
	assert.Equal(t, uint16(types.StatusSuccess), rsp.Status)
	assert.Equal(t, uint16(5), rsp.MessageID)

	require.NoError(t, a.Close())
	assert.NoError(t, a.Err())
}

func TestGetPresentationContextID(t *testing.T) {
	addr := startSCP(t, &scp{})
	a := connect(t, addr, testConfig())
	defer a.Close()

	id, err := a.GetPresentationContextID(types.VerificationSOPClass)
	require.NoError(t, err)
	assert.Equal(t, byte(1), id%2, "context IDs are odd")

	_, err = a.GetPresentationContextID(types.PETImageStorage)
	assert.ErrorIs(t, err, dicomerr.ErrNoPresentationCtx)

	// Move was proposed but the SCP policy does not accept it.
	_, err = a.GetPresentationContextID(types.StudyRootQueryRetrieveInformationModelMove)
	assert.ErrorIs(t, err, dicomerr.ErrNoPresentationCtx)
}

func TestSendCStore(t *testing.T) {
	provider := &scp{}
	addr := startSCP(t, provider)
	a := connect(t, addr, testConfig())
	defer a.Close()

	rsp, err := a.SendCStore(&CStoreRequest{Dataset: testInstance("1.2.3.4.5")})
	require.NoError(t, err)
	assert.Equal(t, uint16(types.StatusSuccess), rsp.Status)
	assert.Equal(t, "1.2.3.4.5", rsp.SOPInstanceUID)
	assert.Equal(t, types.CTImageStorage, rsp.SOPClassUID)
	assert.Equal(t, []string{"1.2.3.4.5"}, provider.storedInstances())
}

func TestSendCStoreEncodedData(t *testing.T) {
	provider := &scp{}
	addr := startSCP(t, provider)
	a := connect(t, addr, testConfig())
	defer a.Close()

	pc, ok := a.Negotiated().AcceptedContext(types.CTImageStorage)
	require.True(t, ok)
	data, err := dicom.EncodeDatasetWithTransferSyntax(testInstance("1.2.3.4.6"), pc.AcceptedTransferSyntax)
	require.NoError(t, err)

	rsp, err := a.SendCStore(&CStoreRequest{
		SOPClassUID:    types.CTImageStorage,
		SOPInstanceUID: "1.2.3.4.6",
		Data:           data,
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(types.StatusSuccess), rsp.Status)
	assert.Equal(t, []string{"1.2.3.4.6"}, provider.storedInstances())
}

func TestSendCStoreFailureStatus(t *testing.T) {
	addr := startSCP(t, &scp{storeStatus: types.StatusOutOfResources})
	a := connect(t, addr, testConfig())
	defer a.Close()

	rsp, err := a.SendCStore(&CStoreRequest{Dataset: testInstance("1.2.3.4.7")})
	require.NotNil(t, rsp)
	assert.Equal(t, uint16(types.StatusOutOfResources), rsp.Status)
	var derr *dicomerr.DIMSEError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, uint16(types.StatusOutOfResources), derr.Status)
}

func TestSendCStoreValidation(t *testing.T) {
	addr := startSCP(t, &scp{})
	a := connect(t, addr, testConfig())
	defer a.Close()

	_, err := a.SendCStore(nil)
	assert.Error(t, err)
	_, err = a.SendCStore(&CStoreRequest{SOPClassUID: types.CTImageStorage})
	assert.Error(t, err)
}

func TestSendCFind(t *testing.T) {
	addr := startSCP(t, &scp{})
	a := connect(t, addr, testConfig())
	defer a.Close()

	query := dicom.NewDataset()
	query.SetString(dicom.TagPatientName, dicom.VR_PN, "DOE*")

	var streamed int
	responses, err := a.SendCFind(&CFindRequest{
		Level:      dimse.LevelStudy,
		Dataset:    query,
		OnResponse: func(*CFindResponse) { streamed++ },
	})
	require.NoError(t, err)
	require.Len(t, responses, 3)
	assert.Equal(t, 3, streamed)

	assert.Equal(t, uint16(types.StatusPending), responses[0].Status)
	require.NotNil(t, responses[0].Dataset)
	assert.Equal(t, "DOE^JOHN", responses[0].Dataset.GetString(dicom.TagPatientName))
	assert.Equal(t, "DOE^JANE", responses[1].Dataset.GetString(dicom.TagPatientName))
	assert.Equal(t, uint16(types.StatusSuccess), responses[2].Status)
	assert.Nil(t, responses[2].Dataset)

	// The caller's query is not modified by the level.
	assert.Empty(t, query.GetString(dicom.TagQueryRetrieveLevel))
}

func TestSendCFindValidation(t *testing.T) {
	addr := startSCP(t, &scp{})
	a := connect(t, addr, testConfig())
	defer a.Close()

	_, err := a.SendCFind(nil)
	assert.Error(t, err)
	_, err = a.SendCFind(&CFindRequest{})
	assert.Error(t, err)
}

func TestSendCCancel(t *testing.T) {
	addr := startSCP(t, &scp{findBlocks: true})
	a := connect(t, addr, testConfig())
	defer a.Close()

	query := dicom.NewDataset()
	query.SetString(dicom.TagPatientName, dicom.VR_PN, "*")

	done := make(chan []*CFindResponse, 1)
	go func() {
		responses, err := a.SendCFind(&CFindRequest{MessageID: 9, Level: dimse.LevelStudy, Dataset: query})
		assert.NoError(t, err)
		done <- responses
	}()

	require.Eventually(t, func() bool { return a.pump.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, a.SendCCancel(9, types.StudyRootQueryRetrieveInformationModelFind))

	select {
	case responses := <-done:
		require.Len(t, responses, 1)
		assert.Equal(t, uint16(types.StatusCancel), responses[0].Status)
		assert.Equal(t, uint16(9), responses[0].MessageID)
	case <-time.After(5 * time.Second):
		t.Fatal("C-FIND was not canceled")
	}
}

func TestSendCCancelErrors(t *testing.T) {
	addr := startSCP(t, &scp{})
	a := connect(t, addr, testConfig())
	defer a.Close()

	assert.Error(t, a.SendCCancel(0, types.StudyRootQueryRetrieveInformationModelFind))
	assert.Error(t, a.SendCCancel(1, ""))
	assert.ErrorIs(t, a.SendCCancel(1, types.PETImageStorage), dicomerr.ErrNoPresentationCtx)
	// Nothing outstanding with ID 1.
	assert.ErrorIs(t, a.SendCCancel(1, types.StudyRootQueryRetrieveInformationModelFind), dicomerr.ErrInvalidMessage)
}

// storeRecorder is the client's handler for C-GET sub-operations.
type storeRecorder struct {
	mu        sync.Mutex
	instances []string
}

func (r *storeRecorder) OnCStore(_ context.Context, msg *dimse.Message) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances = append(r.instances, msg.Dataset.GetString(dicom.TagSOPInstanceUID))
	return types.StatusSuccess
}

func (r *storeRecorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.instances...)
}

func TestSendCGet(t *testing.T) {
	addr := startSCP(t, &scp{})
	recorder := &storeRecorder{}
	config := testConfig()
	config.RetrieveSOPClasses = []string{types.CTImageStorage}
	config.SOPClasses = []string{types.StudyRootQueryRetrieveInformationModelGet}
	config.StoreHandler = recorder
	a := connect(t, addr, config)
	defer a.Close()

	query := dicom.NewDataset()
	query.SetString(dicom.TagQueryRetrieveLevel, dicom.VR_CS, dimse.LevelStudy)
	query.SetString(dicom.TagStudyInstanceUID, dicom.VR_UI, "1.2.3")

	responses, err := a.SendCGet(&CGetRequest{Dataset: query})
	require.NoError(t, err)
	require.Len(t, responses, 1)
	final := responses[0]
	assert.Equal(t, uint16(types.StatusSuccess), final.Status)
	require.NotNil(t, final.NumberOfCompletedSuboperations)
	assert.Equal(t, uint16(1), *final.NumberOfCompletedSuboperations)
	assert.Equal(t, []string{"1.2.3.4.100"}, recorder.received())
}

func TestSendCGetWithoutStoreHandler(t *testing.T) {
	addr := startSCP(t, &scp{})
	config := testConfig()
	config.RetrieveSOPClasses = []string{types.CTImageStorage}
	a := connect(t, addr, config)
	defer a.Close()

	responses, err := a.SendCGet(&CGetRequest{Dataset: dicom.NewDataset()})
	require.NoError(t, err)
	require.Len(t, responses, 1)
	// The sub-operation was refused with SOP Class Not Supported.
	assert.Equal(t, uint16(services.StatusSubOperationsWarning), responses[0].Status)
	assert.Equal(t, uint16(1), *responses[0].NumberOfFailedSuboperations)
}

func TestSendCGetValidation(t *testing.T) {
	addr := startSCP(t, &scp{})
	a := connect(t, addr, testConfig())
	defer a.Close()

	_, err := a.SendCGet(nil)
	assert.Error(t, err)
	_, err = a.SendCGet(&CGetRequest{})
	assert.Error(t, err)
	_, err = a.SendCMove(&CMoveRequest{Dataset: dicom.NewDataset()})
	assert.Error(t, err, "destination is required")
}

func TestSendCMoveUnsupported(t *testing.T) {
	addr := startSCP(t, &scp{})
	a := connect(t, addr, testConfig())
	defer a.Close()

	_, err := a.SendCMove(&CMoveRequest{Destination: "ARCHIVE", Dataset: dicom.NewDataset()})
	assert.ErrorIs(t, err, dicomerr.ErrNoPresentationCtx)
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Connect(addr, testConfig())
	assert.ErrorIs(t, err, ErrNeverConnected)
	var netErr *dicomerr.NetworkError
	assert.True(t, errors.As(err, &netErr))
}

func TestConnectRejected(t *testing.T) {
	addr := startSCP(t, &scp{}, server.WithStrictCalledAE())
	config := testConfig()
	config.CalledAETitle = "SOMEONE-ELSE"

	_, err := Connect(addr, config)
	var assocErr *dicomerr.AssociationError
	require.True(t, errors.As(err, &assocErr))
	assert.ErrorIs(t, err, dicomerr.ErrAssociationRejected)
}
