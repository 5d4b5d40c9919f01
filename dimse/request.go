package dimse

import (
	"context"
	"fmt"
	"sync"

	"github.com/caio-sobreiro/dicomulp/dicom"
	dicomerr "github.com/caio-sobreiro/dicomulp/errors"
	"github.com/caio-sobreiro/dicomulp/types"
)

// Message is a decoded DIMSE message.
type Message struct {
	ContextID byte
	Command   *Command
	// Dataset is the decoded data set, nil when the command carries none.
	Dataset *dicom.Dataset
	// TransferSyntax is the syntax the data set was received in.
	TransferSyntax string

	release []func() error
}

// HasDataset follows the command's data set type flag.
func (m *Message) HasDataset() bool {
	return m.Command != nil && m.Command.HasDataset()
}

// Release frees the spool file and readers backing a received data set. Elements referencing
// the spool must not be read afterwards.
func (m *Message) Release() error {
	var first error
	for i := len(m.release) - 1; i >= 0; i-- {
		if err := m.release[i](); err != nil && first == nil {
			first = err
		}
	}
	m.release = nil
	return first
}

// QueryRetrieveLevel values for (0008,0052).
const (
	LevelPatient = "PATIENT"
	LevelStudy   = "STUDY"
	LevelSeries  = "SERIES"
	LevelImage   = "IMAGE"
)

// Request is an outgoing DIMSE request and the state of its exchange.
type Request struct {
	Command *Command
	Dataset *dicom.Dataset
	// Data is sent instead of Dataset when set; it must already be in TransferSyntax.
	Data dicom.Buffer
	// TransferSyntax, when set, selects the context accepted with this syntax.
	TransferSyntax string
	// OnResponse is called for every response, pending ones included, on the receive path.
	OnResponse func(req *Request, rsp *Message)

	contextID byte
	once      sync.Once
	done      chan struct{}
	final     *Message
	err       error
}

func newRequest(field uint16, sopClass string, ds *dicom.Dataset) *Request {
	cmd := &Command{}
	cmd.CommandField = field
	cmd.AffectedSOPClassUID = sopClass
	cmd.Priority = types.PriorityMedium
	cmd.CommandDataSetType = types.NoDataSet
	if ds != nil {
		cmd.CommandDataSetType = types.DataSetPresent
	}
	return &Request{Command: cmd, Dataset: ds, done: make(chan struct{})}
}

// NewCEchoRequest builds a verification request.
func NewCEchoRequest() *Request {
	return newRequest(types.CEchoRQ, types.VerificationSOPClass, nil)
}

// NewCStoreRequest builds a C-STORE for ds, taking the SOP class and instance from
// (0008,0016) and (0008,0018).
func NewCStoreRequest(ds *dicom.Dataset) *Request {
	r := newRequest(types.CStoreRQ, ds.GetString(dicom.TagSOPClassUID), ds)
	r.Command.AffectedSOPInstanceUID = ds.GetString(dicom.TagSOPInstanceUID)
	return r
}

// NewCFindRequest builds a C-FIND. The identifier is cloned and its query level set.
func NewCFindRequest(level, sopClass string, identifier *dicom.Dataset) *Request {
	return newRequest(types.CFindRQ, sopClass, withLevel(identifier, level))
}

// NewCMoveRequest builds a C-MOVE towards destination.
func NewCMoveRequest(sopClass, destination string, identifier *dicom.Dataset) *Request {
	r := newRequest(types.CMoveRQ, sopClass, withLevel(identifier, ""))
	r.Command.MoveDestination = destination
	return r
}

// NewCGetRequest builds a C-GET. The C-STORE sub-operations arrive as requests on the
// same association.
func NewCGetRequest(sopClass string, identifier *dicom.Dataset) *Request {
	return newRequest(types.CGetRQ, sopClass, withLevel(identifier, ""))
}

// NewCCancelRequest cancels the outstanding request with msgID.
func NewCCancelRequest(msgID uint16) *Request {
	r := newRequest(types.CCancelRQ, "", nil)
	r.Command.MessageIDBeingRespondedTo = msgID
	return r
}

func withLevel(identifier *dicom.Dataset, level string) *dicom.Dataset {
	var ds *dicom.Dataset
	if identifier != nil {
		ds = identifier.Clone()
	} else {
		ds = dicom.NewDataset()
	}
	if level != "" {
		ds.SetString(dicom.TagQueryRetrieveLevel, dicom.VR_CS, level)
	}
	return ds
}

// MessageID is the ID assigned when the request was sent.
func (r *Request) MessageID() uint16 { return r.Command.MessageID }

// ContextID is the presentation context the request went out on.
func (r *Request) ContextID() byte { return r.contextID }

// Done is closed once the final response arrives or the request fails.
func (r *Request) Done() <-chan struct{} { return r.done }

// Wait blocks for the final response. A failure status is returned as the response together
// with a *errors.DIMSEError.
func (r *Request) Wait(ctx context.Context) (*Message, error) {
	select {
	case <-r.done:
		return r.final, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err is the request's failure once Done is closed.
func (r *Request) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

func (r *Request) complete(rsp *Message, err error) {
	r.once.Do(func() {
		r.final = rsp
		if err == nil && rsp != nil && IsFailure(rsp.Command.Status) {
			err = dicomerr.NewDIMSEError(types.CommandName(r.Command.CommandField), rsp.Command.Status, rsp.Command.ErrorComment)
		}
		r.err = err
		close(r.done)
	})
}

func (r *Request) fail(err error) { r.complete(nil, err) }

// Abandon completes a request that will never be sent.
func (r *Request) Abandon(err error) {
	if r.done == nil {
		r.done = make(chan struct{})
	}
	r.fail(err)
}

func (r *Request) String() string {
	return fmt.Sprintf("%s id=%d", types.CommandName(r.Command.CommandField), r.Command.MessageID)
}
