package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomulp/association"
	"github.com/caio-sobreiro/dicomulp/client"
	"github.com/caio-sobreiro/dicomulp/dicom"
	"github.com/caio-sobreiro/dicomulp/dimse"
	"github.com/caio-sobreiro/dicomulp/engine"
	dicomerr "github.com/caio-sobreiro/dicomulp/errors"
	"github.com/caio-sobreiro/dicomulp/pdu"
	"github.com/caio-sobreiro/dicomulp/types"
)

// storeOnly implements StoreHandler and the lifecycle hooks.
type storeOnly struct {
	mu       sync.Mutex
	stored   []string
	released int
	closed   []error
}

func (p *storeOnly) OnCStore(_ context.Context, msg *dimse.Message) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stored = append(p.stored, msg.Dataset.GetString(dicom.TagSOPInstanceUID))
	return types.StatusSuccess
}

func (p *storeOnly) OnAssociationRelease(context.Context, *association.Association) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
}

func (p *storeOnly) OnConnectionClosed(_ context.Context, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, err)
}

func (p *storeOnly) snapshot() (stored []string, released int, closed []error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.stored...), p.released, append([]error(nil), p.closed...)
}

// echoCounter answers C-ECHO itself.
type echoCounter struct {
	mu    sync.Mutex
	count int
}

func (e *echoCounter) OnCEcho(context.Context, *dimse.Message) uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.count++
	return types.StatusSuccess
}

// picky decides associations itself and only takes verification.
type picky struct{}

func (picky) OnAssociationRequest(_ context.Context, a *association.Association) engine.Decision {
	if a.CallingAE != "FRIEND" {
		return engine.RejectAssociation(pdu.RejectSourceServiceUser, byte(dicomerr.RejectReasonCallingAETitleNotRecognized))
	}
	a.Negotiate(&association.Policy{
		AbstractSyntaxes: []string{types.VerificationSOPClass},
		TransferSyntaxes: []string{types.ImplicitVRLittleEndian},
	})
	return engine.AcceptAssociation()
}

func serve(t *testing.T, srv *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
	return ln.Addr().String()
}

func clientConfig() client.Config {
	return client.Config{
		CallingAETitle: "TEST-SCU",
		CalledAETitle:  "TEST-SCP",
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
	}
}

func testInstance(uid string) *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.SetString(dicom.TagSOPClassUID, dicom.VR_UI, types.CTImageStorage)
	ds.SetString(dicom.TagSOPInstanceUID, dicom.VR_UI, uid)
	return ds
}

func TestServeValidation(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	assert.Error(t, New("SCP", nil).Serve(context.Background(), ln))
	assert.Error(t, New("", &storeOnly{}).Serve(context.Background(), ln))
	assert.Error(t, New("SCP", &storeOnly{}).Serve(context.Background(), nil))
}

func TestBuiltInEcho(t *testing.T) {
	addr := serve(t, New("TEST-SCP", &storeOnly{}))
	a, err := client.Connect(addr, clientConfig())
	require.NoError(t, err)
	defer a.Close()

	rsp, err := a.SendCEcho(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(types.StatusSuccess), rsp.Status)
}

func TestProviderEcho(t *testing.T) {
	provider := &echoCounter{}
	addr := serve(t, New("TEST-SCP", provider))
	a, err := client.Connect(addr, clientConfig())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := a.SendCEcho(0)
		require.NoError(t, err)
	}
	require.NoError(t, a.Close())

	provider.mu.Lock()
	defer provider.mu.Unlock()
	assert.Equal(t, 3, provider.count)
}

func TestStoreAndLifecycleHooks(t *testing.T) {
	provider := &storeOnly{}
	addr := serve(t, New("TEST-SCP", provider))
	a, err := client.Connect(addr, clientConfig())
	require.NoError(t, err)

	rsp, err := a.SendCStore(&client.CStoreRequest{Dataset: testInstance("1.2.3.1")})
	require.NoError(t, err)
	assert.Equal(t, uint16(types.StatusSuccess), rsp.Status)
	require.NoError(t, a.Close())

	require.Eventually(t, func() bool {
		_, _, closed := provider.snapshot()
		return len(closed) == 1
	}, 2*time.Second, 5*time.Millisecond)
	stored, released, closed := provider.snapshot()
	assert.Equal(t, []string{"1.2.3.1"}, stored)
	assert.Equal(t, 1, released)
	assert.NoError(t, closed[0])
}

func TestMissingCapability(t *testing.T) {
	policy := association.DefaultPolicy()
	policy.AbstractSyntaxes = append(policy.AbstractSyntaxes, types.StudyRootQueryRetrieveInformationModelFind)
	addr := serve(t, New("TEST-SCP", &storeOnly{}, WithAcceptPolicy(policy)))
	a, err := client.Connect(addr, clientConfig())
	require.NoError(t, err)
	defer a.Close()

	responses, err := a.SendCFind(&client.CFindRequest{Level: dimse.LevelStudy, Dataset: dicom.NewDataset()})
	var derr *dicomerr.DIMSEError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, uint16(types.StatusSOPClassNotSupported), derr.Status)
	require.Len(t, responses, 1)

	// The association survives.
	_, err = a.SendCEcho(0)
	assert.NoError(t, err)
}

func TestStrictCalledAE(t *testing.T) {
	addr := serve(t, New("TEST-SCP", &storeOnly{}, WithStrictCalledAE()))

	config := clientConfig()
	config.CalledAETitle = "OTHER"
	_, err := client.Connect(addr, config)
	var assocErr *dicomerr.AssociationError
	require.True(t, errors.As(err, &assocErr))
	assert.Equal(t, dicomerr.RejectReasonCalledAETitleNotRecognized, assocErr.Reason)

	a, err := client.Connect(addr, clientConfig())
	require.NoError(t, err)
	assert.NoError(t, a.Close())
}

func TestMaxAssociations(t *testing.T) {
	srv := New("TEST-SCP", &storeOnly{}, WithMaxAssociations(1))
	addr := serve(t, srv)

	first, err := client.Connect(addr, clientConfig())
	require.NoError(t, err)

	_, err = client.Connect(addr, clientConfig())
	var assocErr *dicomerr.AssociationError
	require.True(t, errors.As(err, &assocErr))
	assert.Equal(t, dicomerr.RejectReasonLocalLimitExceeded, assocErr.Reason)
	assert.Equal(t, dicomerr.RejectSourceServiceProviderPresentation, assocErr.Source)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return srv.Active() == 0 }, 2*time.Second, 5*time.Millisecond)

	again, err := client.Connect(addr, clientConfig())
	require.NoError(t, err)
	assert.NoError(t, again.Close())
}

func TestAssociationHandlerDecides(t *testing.T) {
	addr := serve(t, New("TEST-SCP", picky{}))

	_, err := client.Connect(addr, clientConfig())
	var assocErr *dicomerr.AssociationError
	require.True(t, errors.As(err, &assocErr))

	config := clientConfig()
	config.CallingAETitle = "FRIEND"
	a, err := client.Connect(addr, config)
	require.NoError(t, err)
	defer a.Close()

	pc, ok := a.Negotiated().AcceptedContext(types.VerificationSOPClass)
	require.True(t, ok)
	assert.Equal(t, types.ImplicitVRLittleEndian, pc.AcceptedTransferSyntax)
	_, err = a.GetPresentationContextID(types.CTImageStorage)
	assert.ErrorIs(t, err, dicomerr.ErrNoPresentationCtx)
}

func TestConcurrentAssociations(t *testing.T) {
	provider := &storeOnly{}
	addr := serve(t, New("TEST-SCP", provider))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := client.Connect(addr, clientConfig())
			if !assert.NoError(t, err) {
				return
			}
			defer a.Close()
			_, err = a.SendCStore(&client.CStoreRequest{Dataset: testInstance(fmt.Sprintf("1.2.3.9.%d", i))})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stored, _, _ := provider.snapshot()
	assert.Len(t, stored, 4)
}
