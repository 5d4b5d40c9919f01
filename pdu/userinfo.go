package pdu

// User information sub-item types (PS3.7 Annex D.3.3, PS3.8 Annex D)
const (
	subItemMaxLength              = 0x51
	subItemImplementationClassUID = 0x52
	subItemAsyncOperations        = 0x53
	subItemRoleSelection          = 0x54
	subItemImplementationVersion  = 0x55
	subItemSOPClassExtended       = 0x56
	subItemSOPClassCommonExtended = 0x57
	subItemUserIdentityRQ         = 0x58
	subItemUserIdentityAC         = 0x59
)

// User identity types for UserIdentityRequest.Type
const (
	UserIdentityUsername         byte = 1
	UserIdentityUsernamePasscode byte = 2
	UserIdentityKerberos         byte = 3
	UserIdentitySAML             byte = 4
	UserIdentityJWT              byte = 5
)

// UserInformation is the 0x50 item shared by A-ASSOCIATE-RQ and A-ASSOCIATE-AC.
type UserInformation struct {
	MaxPDULength              uint32
	ImplementationClassUID    string
	ImplementationVersionName string
	AsyncOperations           *AsyncOperationsWindow
	RoleSelections            []RoleSelection
	SOPClassExtended          []SOPClassExtendedNegotiation
	SOPClassCommonExtended    []SOPClassCommonExtendedNegotiation
	UserIdentity              *UserIdentityRequest
	UserIdentityResponse      *UserIdentityResponse
	// Unknown keeps sub-items this package does not interpret, in arrival order.
	Unknown []RawItem
}

// AsyncOperationsWindow negotiates the number of outstanding operations (0 = unlimited).
type AsyncOperationsWindow struct {
	MaxInvoked   uint16
	MaxPerformed uint16
}

// RoleSelection proposes or accepts SCU/SCP roles for one SOP class.
type RoleSelection struct {
	SOPClassUID string
	SCU         bool
	SCP         bool
}

// SOPClassExtendedNegotiation carries service-class specific application information.
type SOPClassExtendedNegotiation struct {
	SOPClassUID string
	Info        []byte
}

// SOPClassCommonExtendedNegotiation relates a SOP class to its service class.
type SOPClassCommonExtendedNegotiation struct {
	Version                  byte
	SOPClassUID              string
	ServiceClassUID          string
	RelatedGeneralSOPClasses []string
}

// UserIdentityRequest is the requestor's identity assertion.
type UserIdentityRequest struct {
	Type                      byte
	PositiveResponseRequested bool
	Primary                   []byte
	Secondary                 []byte
}

// UserIdentityResponse is the acceptor's answer to a positive-response request.
type UserIdentityResponse struct {
	ServerResponse []byte
}

// RawItem is an uninterpreted sub-item.
type RawItem struct {
	Type     byte
	Reserved byte
	Data     []byte
}

func (u *UserInformation) encode(w *Writer) {
	w.Uint8(itemUserInformation)
	w.Uint8(0x00)
	m := w.MarkLength16()

	subItem(w, subItemMaxLength, 0, func() { w.Uint32(u.MaxPDULength) })
	if u.ImplementationClassUID != "" {
		subItem(w, subItemImplementationClassUID, 0, func() { w.String(asciiText(u.ImplementationClassUID)) })
	}
	if u.AsyncOperations != nil {
		subItem(w, subItemAsyncOperations, 0, func() {
			w.Uint16(u.AsyncOperations.MaxInvoked)
			w.Uint16(u.AsyncOperations.MaxPerformed)
		})
	}
	for _, rs := range u.RoleSelections {
		subItem(w, subItemRoleSelection, 0, func() {
			writeString16(w, rs.SOPClassUID)
			w.Uint8(boolByte(rs.SCU))
			w.Uint8(boolByte(rs.SCP))
		})
	}
	if u.ImplementationVersionName != "" {
		name := asciiText(u.ImplementationVersionName)
		if len(name) > 16 {
			name = name[:16]
		}
		subItem(w, subItemImplementationVersion, 0, func() { w.String(name) })
	}
	for _, ext := range u.SOPClassExtended {
		subItem(w, subItemSOPClassExtended, 0, func() {
			writeString16(w, ext.SOPClassUID)
			w.Bytes(ext.Info)
		})
	}
	for _, ext := range u.SOPClassCommonExtended {
		subItem(w, subItemSOPClassCommonExtended, ext.Version, func() {
			writeString16(w, ext.SOPClassUID)
			writeString16(w, ext.ServiceClassUID)
			related := w.MarkLength16()
			for _, uid := range ext.RelatedGeneralSOPClasses {
				writeString16(w, uid)
			}
			w.PatchLength(related)
		})
	}
	if id := u.UserIdentity; id != nil {
		subItem(w, subItemUserIdentityRQ, 0, func() {
			w.Uint8(id.Type)
			w.Uint8(boolByte(id.PositiveResponseRequested))
			writeBytes16(w, id.Primary)
			writeBytes16(w, id.Secondary)
		})
	}
	if rsp := u.UserIdentityResponse; rsp != nil {
		subItem(w, subItemUserIdentityAC, 0, func() { writeBytes16(w, rsp.ServerResponse) })
	}
	for _, raw := range u.Unknown {
		subItem(w, raw.Type, raw.Reserved, func() { w.Bytes(raw.Data) })
	}

	w.PatchLength(m)
}

func (u *UserInformation) decode(r *Reader) {
	forEachItem(r, func(subType byte, reserved byte, sub *Reader) {
		switch subType {
		case subItemMaxLength:
			u.MaxPDULength = sub.Uint32("maximum length")
		case subItemImplementationClassUID:
			u.ImplementationClassUID = sub.String("implementation class UID", sub.Remaining())
		case subItemAsyncOperations:
			u.AsyncOperations = &AsyncOperationsWindow{
				MaxInvoked:   sub.Uint16("max operations invoked"),
				MaxPerformed: sub.Uint16("max operations performed"),
			}
		case subItemRoleSelection:
			rs := RoleSelection{SOPClassUID: readString16(sub, "role selection SOP class UID")}
			rs.SCU = sub.Uint8("SCU role") != 0
			rs.SCP = sub.Uint8("SCP role") != 0
			u.RoleSelections = append(u.RoleSelections, rs)
		case subItemImplementationVersion:
			u.ImplementationVersionName = sub.String("implementation version name", sub.Remaining())
		case subItemSOPClassExtended:
			ext := SOPClassExtendedNegotiation{SOPClassUID: readString16(sub, "extended negotiation SOP class UID")}
			ext.Info = copyBytes(sub.Bytes("service class application information", sub.Remaining()))
			u.SOPClassExtended = append(u.SOPClassExtended, ext)
		case subItemSOPClassCommonExtended:
			ext := SOPClassCommonExtendedNegotiation{Version: reserved}
			ext.SOPClassUID = readString16(sub, "common extended SOP class UID")
			ext.ServiceClassUID = readString16(sub, "service class UID")
			related := sub.Sub("related general SOP classes", int(sub.Uint16("related general SOP class length")))
			for related.Remaining() > 0 && related.Err() == nil {
				ext.RelatedGeneralSOPClasses = append(ext.RelatedGeneralSOPClasses, readString16(related, "related general SOP class UID"))
			}
			if err := related.Err(); err != nil {
				sub.fail(err)
			}
			u.SOPClassCommonExtended = append(u.SOPClassCommonExtended, ext)
		case subItemUserIdentityRQ:
			id := &UserIdentityRequest{Type: sub.Uint8("user identity type")}
			id.PositiveResponseRequested = sub.Uint8("positive response requested") != 0
			id.Primary = readBytes16(sub, "primary field")
			id.Secondary = readBytes16(sub, "secondary field")
			u.UserIdentity = id
		case subItemUserIdentityAC:
			u.UserIdentityResponse = &UserIdentityResponse{ServerResponse: readBytes16(sub, "server response")}
		default:
			u.Unknown = append(u.Unknown, RawItem{
				Type:     subType,
				Reserved: reserved,
				Data:     copyBytes(sub.Bytes("unknown sub-item", sub.Remaining())),
			})
		}
	})
}

func subItem(w *Writer, itemType, reserved byte, body func()) {
	w.Uint8(itemType)
	w.Uint8(reserved)
	m := w.MarkLength16()
	body()
	w.PatchLength(m)
}

func writeString16(w *Writer, s string) {
	s = asciiText(s)
	if len(s) > 0xFFFF {
		s = s[:0xFFFF]
	}
	w.Uint16(uint16(len(s)))
	w.String(s)
}

func writeBytes16(w *Writer, b []byte) {
	m := w.MarkLength16()
	w.Bytes(b)
	w.PatchLength(m)
}

func readString16(r *Reader, field string) string {
	n := int(r.Uint16(field + " length"))
	return r.String(field, n)
}

func readBytes16(r *Reader, field string) []byte {
	n := int(r.Uint16(field + " length"))
	return copyBytes(r.Bytes(field, n))
}

func copyBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
