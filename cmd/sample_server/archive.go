package main

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/caio-sobreiro/dicomulp/association"
	"github.com/caio-sobreiro/dicomulp/client"
	"github.com/caio-sobreiro/dicomulp/dicom"
	"github.com/caio-sobreiro/dicomulp/dimse"
	"github.com/caio-sobreiro/dicomulp/interfaces"
	"github.com/caio-sobreiro/dicomulp/services"
	"github.com/caio-sobreiro/dicomulp/storage"
	"github.com/caio-sobreiro/dicomulp/types"
)

// archive serves verification, storage and study root query/retrieve over a storage.Store.
type archive struct {
	aeTitle      string
	store        *storage.Store
	echo         *services.EchoService
	destinations map[string]string
	logger       *slog.Logger
}

func newArchive(aeTitle string, store *storage.Store, destinations map[string]string, logger *slog.Logger) *archive {
	return &archive{
		aeTitle:      aeTitle,
		store:        store,
		echo:         services.NewEchoService(logger),
		destinations: destinations,
		logger:       logger,
	}
}

var (
	_ interfaces.EchoHandler             = (*archive)(nil)
	_ interfaces.StoreHandler            = (*archive)(nil)
	_ interfaces.FindHandler             = (*archive)(nil)
	_ interfaces.GetHandler              = (*archive)(nil)
	_ interfaces.MoveHandler             = (*archive)(nil)
	_ interfaces.ConnectionClosedHandler = (*archive)(nil)
)

func (a *archive) OnCEcho(ctx context.Context, msg *dimse.Message) uint16 {
	return a.echo.OnCEcho(ctx, msg)
}

func (a *archive) OnCStore(ctx context.Context, msg *dimse.Message) uint16 {
	sopClass := msg.Command.AffectedSOPClassUID
	sopInstance := msg.Command.AffectedSOPInstanceUID
	if msg.Dataset == nil {
		return types.StatusUnableToProcess
	}
	if err := a.store.Put(ctx, sopClass, sopInstance, msg.TransferSyntax, msg.Dataset); err != nil {
		a.logger.ErrorContext(ctx, "Failed to store instance", "sop_instance", sopInstance, "error", err)
		return types.StatusOutOfResources
	}
	a.logger.InfoContext(ctx, "Stored instance",
		"sop_class", sopClass,
		"sop_instance", sopInstance,
		"transfer_syntax", msg.TransferSyntax)
	return types.StatusSuccess
}

func (a *archive) OnConnectionClosed(ctx context.Context, err error) {
	if err != nil {
		a.logger.WarnContext(ctx, "Association ended abnormally", "error", err)
	}
}

// uniqueKeys are the attributes identifying a match at each query level.
var uniqueKeys = map[string]dicom.Tag{
	dimse.LevelPatient: dicom.TagPatientID,
	dimse.LevelStudy:   dicom.TagStudyInstanceUID,
	dimse.LevelSeries:  dicom.TagSeriesInstanceUID,
	dimse.LevelImage:   dicom.TagSOPInstanceUID,
}

// ignoredKeys never constrain a match.
var ignoredKeys = map[dicom.Tag]bool{
	dicom.TagQueryRetrieveLevel:   true,
	dicom.TagSpecificCharacterSet: true,
}

// matches reports whether ds has every non-empty string key of identifier. A value of "*"
// matches anything.
func matches(identifier, ds *dicom.Dataset) bool {
	for _, item := range identifier.Items() {
		e, ok := item.(*dicom.Element)
		if !ok || ignoredKeys[e.Tag] || !e.VR.IsString() {
			continue
		}
		want := strings.TrimSpace(identifier.GetString(e.Tag))
		if want == "" || want == "*" {
			continue
		}
		if strings.TrimSpace(ds.GetString(e.Tag)) != want {
			return false
		}
	}
	return true
}

// instance is a stored data set with its Part 10 meta information.
type instance struct {
	sopClass string
	uid      string
	file     *dicom.File
}

// search loads the stored instances matching identifier.
func (a *archive) search(ctx context.Context, identifier *dicom.Dataset) ([]instance, error) {
	uids, err := a.store.List()
	if err != nil {
		return nil, err
	}
	var out []instance
	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := a.store.Get(uid)
		if err != nil {
			a.logger.WarnContext(ctx, "Skipping unreadable instance", "sop_instance", uid, "error", err)
			continue
		}
		if matches(identifier, f.Dataset) {
			out = append(out, instance{
				sopClass: f.Meta.GetString(dicom.TagMediaStorageSOPClassUID),
				uid:      uid,
				file:     f,
			})
		}
	}
	return out, nil
}

// OnCFind answers with one pending response per distinct entity at the requested level.
// The returned keys are those of the identifier, filled from the match.
func (a *archive) OnCFind(ctx context.Context, msg *dimse.Message, w dimse.ResponseWriter) error {
	identifier := msg.Dataset
	if identifier == nil {
		return w.Send(services.NewCFindErrorResponse(msg.Command, types.StatusUnableToProcess), nil)
	}
	level := strings.TrimSpace(identifier.GetString(dicom.TagQueryRetrieveLevel))
	key, ok := uniqueKeys[level]
	if !ok {
		a.logger.WarnContext(ctx, "C-FIND with unsupported query level", "level", level)
		return w.Send(services.NewCFindErrorResponse(msg.Command, types.StatusUnableToProcess), nil)
	}
	a.logger.InfoContext(ctx, "Handling C-FIND request", "message_id", msg.Command.MessageID, "level", level)

	found, err := a.search(ctx, identifier)
	if err != nil {
		if ctx.Err() != nil {
			return w.Send(services.NewCFindErrorResponse(msg.Command, types.StatusCancel), nil)
		}
		return err
	}

	seen := make(map[string]bool)
	for _, inst := range found {
		if ctx.Err() != nil {
			return w.Send(services.NewCFindErrorResponse(msg.Command, types.StatusCancel), nil)
		}
		id := inst.file.Dataset.GetString(key)
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := w.Send(services.NewCFindPendingResponse(msg.Command), returnKeys(identifier, inst.file.Dataset, level)); err != nil {
			return err
		}
	}
	a.logger.InfoContext(ctx, "C-FIND complete", "message_id", msg.Command.MessageID, "matches", len(seen))
	return w.Send(services.NewCFindSuccessResponse(msg.Command), nil)
}

func returnKeys(identifier, ds *dicom.Dataset, level string) *dicom.Dataset {
	out := dicom.NewDataset()
	for _, item := range identifier.Items() {
		e, ok := item.(*dicom.Element)
		if !ok || !e.VR.IsString() {
			continue
		}
		if v := ds.GetStrings(e.Tag); len(v) > 0 {
			out.SetString(e.Tag, e.VR, v...)
		} else {
			out.SetString(e.Tag, e.VR)
		}
	}
	if cs := ds.GetStrings(dicom.TagSpecificCharacterSet); len(cs) > 0 {
		out.SetString(dicom.TagSpecificCharacterSet, dicom.VR_CS, cs...)
	}
	out.SetString(dicom.TagQueryRetrieveLevel, dicom.VR_CS, level)
	return out
}

// retrieveCounts tracks C-GET and C-MOVE sub-operations.
type retrieveCounts struct {
	remaining, completed, failed, warning uint16
}

func (c *retrieveCounts) record(status uint16, err error) {
	c.remaining--
	switch {
	case err != nil:
		c.failed++
	case status == types.StatusSuccess:
		c.completed++
	case status&0xF000 == 0xB000:
		c.warning++
	default:
		c.failed++
	}
}

// OnCGet sends the matches back as C-STORE sub-operations. Pixel data is transcoded by the
// association when the requestor accepted a different syntax, RLE Lossless included.
func (a *archive) OnCGet(ctx context.Context, msg *dimse.Message, w interfaces.CGetResponder) error {
	if msg.Dataset == nil {
		return w.Send(services.NewResponseBuilder(msg.Command).CGetResponse(types.StatusUnableToProcess, nil, nil, nil, nil), nil)
	}
	found, err := a.search(ctx, msg.Dataset)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "Handling C-GET request", "message_id", msg.Command.MessageID, "matches", len(found))

	counts := retrieveCounts{remaining: uint16(len(found))}
	for _, inst := range found {
		if ctx.Err() != nil {
			return w.Send(cancelResponse(msg.Command, types.CGetRSP, counts), nil)
		}
		status, err := w.SendCStore(ctx, inst.file.Dataset)
		counts.record(status, err)
		if err != nil {
			a.logger.ErrorContext(ctx, "C-STORE sub-operation failed", "sop_instance", inst.uid, "error", err)
		}
		if counts.remaining > 0 {
			if err := w.Send(services.NewCGetPendingResponse(msg.Command, counts.completed, counts.failed, counts.warning, counts.remaining), nil); err != nil {
				return err
			}
		}
	}
	return w.Send(services.NewCGetFinalResponse(msg.Command, counts.completed, counts.failed, counts.warning), nil)
}

// OnCMove opens an association to the destination and stores the matches there.
func (a *archive) OnCMove(ctx context.Context, msg *dimse.Message, w dimse.ResponseWriter) error {
	destination := msg.Command.MoveDestination
	addr, ok := a.destinations[destination]
	if !ok {
		a.logger.WarnContext(ctx, "Unknown move destination", "move_destination", destination)
		return w.Send(services.NewCMoveErrorResponse(msg.Command, types.StatusMoveDestinationUnknown), nil)
	}
	if msg.Dataset == nil {
		return w.Send(services.NewCMoveErrorResponse(msg.Command, types.StatusUnableToProcess), nil)
	}
	found, err := a.search(ctx, msg.Dataset)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "Handling C-MOVE request",
		"message_id", msg.Command.MessageID,
		"move_destination", destination,
		"matches", len(found))
	if len(found) == 0 {
		return w.Send(services.NewCMoveSuccessResponse(msg.Command, 0, 0, 0), nil)
	}

	sub, err := client.Connect(addr, a.moveConfig(destination, found))
	if err != nil {
		a.logger.ErrorContext(ctx, "Failed to connect to move destination", "move_destination", destination, "error", err)
		return w.Send(services.NewCMoveErrorResponse(msg.Command, types.StatusUnableToProcess), nil)
	}
	defer sub.Close()

	counts := retrieveCounts{remaining: uint16(len(found))}
	for _, inst := range found {
		if ctx.Err() != nil {
			return w.Send(cancelResponse(msg.Command, types.CMoveRSP, counts), nil)
		}
		rsp, err := sub.SendCStore(&client.CStoreRequest{Dataset: inst.file.Dataset})
		var status uint16
		if rsp != nil {
			status, err = rsp.Status, nil
		}
		counts.record(status, err)
		if err != nil {
			a.logger.ErrorContext(ctx, "C-STORE sub-operation failed", "sop_instance", inst.uid, "error", err)
		}
		if counts.remaining > 0 {
			if err := w.Send(services.NewCMovePendingResponse(msg.Command, counts.completed, counts.failed, counts.warning, counts.remaining), nil); err != nil {
				return err
			}
		}
	}
	return w.Send(services.NewCMoveSuccessResponse(msg.Command, counts.completed, counts.failed, counts.warning), nil)
}

// moveConfig proposes the SOP classes of found, preferring their stored syntaxes. The
// uncompressed syntaxes and RLE Lossless follow, since outgoing pixel data can be transcoded
// to any of them.
func (a *archive) moveConfig(destination string, found []instance) client.Config {
	var sopClasses, syntaxes []string
	for _, inst := range found {
		if !slices.Contains(sopClasses, inst.sopClass) {
			sopClasses = append(sopClasses, inst.sopClass)
		}
		if ts := inst.file.TransferSyntax().UID; !slices.Contains(syntaxes, ts) {
			syntaxes = append(syntaxes, ts)
		}
	}
	for _, ts := range []string{types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian, types.RLELossless} {
		if !slices.Contains(syntaxes, ts) {
			syntaxes = append(syntaxes, ts)
		}
	}
	return client.Config{
		CallingAETitle:            a.aeTitle,
		CalledAETitle:             destination,
		SOPClasses:                sopClasses,
		PreferredTransferSyntaxes: syntaxes,
		Logger:                    a.logger,
	}
}

func cancelResponse(req *dimse.Command, field uint16, c retrieveCounts) *dimse.Command {
	b := services.NewResponseBuilder(req)
	if field == types.CMoveRSP {
		return b.CMoveResponse(types.StatusCancel, &c.completed, &c.failed, &c.warning, &c.remaining)
	}
	return b.CGetResponse(types.StatusCancel, &c.completed, &c.failed, &c.warning, &c.remaining)
}

// acceptPolicy accepts verification, storage and the query/retrieve models served here.
func acceptPolicy() *association.Policy {
	policy := association.DefaultPolicy()
	policy.AbstractSyntaxes = append(policy.AbstractSyntaxes,
		types.StudyRootQueryRetrieveInformationModelFind,
		types.StudyRootQueryRetrieveInformationModelMove,
		types.StudyRootQueryRetrieveInformationModelGet,
		types.PatientRootQueryRetrieveInformationModelFind,
		types.PatientRootQueryRetrieveInformationModelMove,
		types.PatientRootQueryRetrieveInformationModelGet,
	)
	return policy
}
