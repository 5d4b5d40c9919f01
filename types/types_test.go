package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetTransferSyntaxInfo(t *testing.T) {
	tests := []struct {
		name             string
		uid              string
		wantExplicit     bool
		wantBigEndian    bool
		wantEncapsulated bool
		wantDeflated     bool
		wantLossless     bool
		wantRetired      bool
	}{
		{"implicit little", ImplicitVRLittleEndian, false, false, false, false, true, false},
		{"explicit little", ExplicitVRLittleEndian, true, false, false, false, true, false},
		{"explicit big", ExplicitVRBigEndian, true, true, false, false, true, true},
		{"deflated", DeflatedExplicitVRLittleEndian, true, false, false, true, true, false},
		{"rle", RLELossless, true, false, true, false, true, false},
		{"jpeg baseline", JPEGBaseline8Bit, true, false, true, false, false, false},
		{"jpeg-ls lossless", JPEGLSLossless, true, false, true, false, true, false},
		{"private", "1.2.3.4.5", true, false, true, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := GetTransferSyntaxInfo(tt.uid)
			assert.Equal(t, tt.uid, info.UID)
			assert.Equal(t, tt.wantExplicit, info.ExplicitVR)
			assert.Equal(t, tt.wantBigEndian, info.BigEndian)
			assert.Equal(t, tt.wantEncapsulated, info.Encapsulated)
			assert.Equal(t, tt.wantDeflated, info.Deflated)
			assert.Equal(t, tt.wantLossless, info.IsLossless)
			assert.Equal(t, tt.wantRetired, info.IsRetired)
			assert.Equal(t, tt.wantEncapsulated || tt.wantDeflated, IsCompressed(tt.uid))
		})
	}
}

func TestCommonTransferSyntaxesAreKnown(t *testing.T) {
	for _, uid := range GetCommonTransferSyntaxes() {
		assert.True(t, IsKnownTransferSyntax(uid), uid)
	}
	for _, uid := range GetNativeTransferSyntaxes() {
		assert.False(t, IsEncapsulated(uid), uid)
	}
}

func TestSOPClassCategories(t *testing.T) {
	tests := []struct {
		uid       string
		storage   bool
		query     bool
		wantCat   string
		wantNamed bool
	}{
		{VerificationSOPClass, false, false, CategoryVerification, true},
		{CTImageStorage, true, false, CategoryStorage, true},
		{"1.2.840.10008.5.1.4.1.1.66.4", true, false, CategoryStorage, false},
		{StudyRootQueryRetrieveInformationModelFind, false, true, CategoryQueryRetrieve, true},
		{PatientRootQueryRetrieveInformationModelGet, false, true, CategoryQueryRetrieve, true},
		{"1.2.3.4", false, false, CategoryUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.uid, func(t *testing.T) {
			info := GetSOPClassInfo(tt.uid)
			assert.Equal(t, tt.wantCat, info.Category)
			assert.Equal(t, tt.wantNamed, info.Name != "Unknown")
			assert.Equal(t, tt.storage, IsStorageSOPClass(tt.uid))
			assert.Equal(t, tt.query, IsQueryRetrieveSOPClass(tt.uid))
		})
	}
}

func TestResponseCommandFor(t *testing.T) {
	tests := []struct {
		request  uint16
		response uint16
	}{
		{CStoreRQ, CStoreRSP},
		{CGetRQ, CGetRSP},
		{CFindRQ, CFindRSP},
		{CMoveRQ, CMoveRSP},
		{CEchoRQ, CEchoRSP},
		{NActionRQ, NActionRSP},
		{NEventReportRQ, NEventReportRSP},
	}

	for _, tt := range tests {
		t.Run(CommandName(tt.request), func(t *testing.T) {
			assert.Equal(t, uint16(tt.response), ResponseCommandFor(tt.request))
			assert.Equal(t, strings.TrimSuffix(CommandName(tt.request), "RQ")+"RSP", CommandName(tt.response))
		})
	}
}

func TestMessageFlags(t *testing.T) {
	rq := &Message{CommandField: CEchoRQ, CommandDataSetType: NoDataSet}
	assert.True(t, rq.IsRequest())
	assert.False(t, rq.HasDataset())

	rsp := &Message{CommandField: CFindRSP, CommandDataSetType: DataSetPresent}
	assert.False(t, rsp.IsRequest())
	assert.True(t, rsp.HasDataset())
}
