package engine

import (
	"bytes"
	"fmt"
	"os"

	"github.com/caio-sobreiro/dicomulp/dicom"
	"github.com/caio-sobreiro/dicomulp/pdu"
)

// Message is one DIMSE message on a presentation context.
type Message struct {
	ContextID byte
	// Command is the encoded command set (Implicit VR Little Endian).
	Command []byte
	// TransferSyntax is the accepted syntax of the context, filled in on receive.
	TransferSyntax string
	// Data is the encoded data set, nil when the command carries none. Received data sets
	// larger than Options.MaxDataBuffer arrive as a temporary *dicom.FileBuffer.
	Data dicom.Buffer
	// Dataset, on outgoing messages, is encoded in the context's transfer syntax while it is
	// sent. It takes precedence over Data.
	Dataset *dicom.Dataset
}

// Release removes any temporary spool file behind Data.
func (m *Message) Release() error {
	if fb, ok := m.Data.(*dicom.FileBuffer); ok && fb.Temporary {
		return fb.Remove()
	}
	return nil
}

// commandHasDataset reads (0000,0800) from an encoded command set.
func commandHasDataset(command []byte) (bool, error) {
	ds, err := dicom.ParseDatasetWithTransferSyntax(command, dicom.ImplicitVRLittleEndian.UID)
	if err != nil {
		return false, err
	}
	v, ok := ds.GetUint16(dicom.TagCommandDataSetType)
	if !ok {
		return false, fmt.Errorf("command set without (0000,0800)")
	}
	return v != 0x0101, nil
}

// spool accumulates a data set in memory and moves it to a temporary file past max bytes.
type spool struct {
	max  int64
	dir  string
	mem  bytes.Buffer
	file *os.File
	n    int64
}

func (s *spool) Write(b []byte) (int, error) {
	if s.file == nil && int64(s.mem.Len()+len(b)) > s.max {
		f, err := os.CreateTemp(s.dir, "dicomulp-pdv-*")
		if err != nil {
			return 0, err
		}
		if _, err := f.Write(s.mem.Bytes()); err != nil {
			f.Close()
			os.Remove(f.Name())
			return 0, err
		}
		s.file = f
		s.mem = bytes.Buffer{}
	}
	s.n += int64(len(b))
	if s.file != nil {
		return s.file.Write(b)
	}
	return s.mem.Write(b)
}

func (s *spool) finish() (dicom.Buffer, error) {
	if s.file == nil {
		data := append([]byte(nil), s.mem.Bytes()...)
		s.mem.Reset()
		s.n = 0
		return dicom.NewMemoryBuffer(data, nil), nil
	}
	f := s.file
	s.file = nil
	n := s.n
	s.n = 0
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, err
	}
	fb := dicom.NewFileBuffer(f.Name(), 0, n, nil)
	fb.Temporary = true
	return fb, nil
}

func (s *spool) discard() {
	if s.file != nil {
		name := s.file.Name()
		s.file.Close()
		os.Remove(name)
		s.file = nil
	}
	s.mem.Reset()
	s.n = 0
}

// assembler rebuilds messages from PDVs. A message is a run of command PDVs up to the last
// fragment, followed by data PDVs when the command announces a data set.
type assembler struct {
	maxCommand int
	contextID  byte
	active     bool
	command    []byte
	expectData bool
	data       spool
}

func (a *assembler) reset() {
	a.active = false
	a.command = nil
	a.expectData = false
	a.data.discard()
}

// add consumes one PDV and returns a message once it is complete.
func (a *assembler) add(v *pdu.PDV) (*Message, error) {
	if a.active && v.ContextID != a.contextID {
		return nil, fmt.Errorf("PDV for context %d inside a message on context %d", v.ContextID, a.contextID)
	}
	if !a.active {
		if !v.Command {
			return nil, fmt.Errorf("data PDV on context %d before any command", v.ContextID)
		}
		a.active = true
		a.contextID = v.ContextID
	}

	if v.Command {
		if a.expectData {
			return nil, fmt.Errorf("command PDV on context %d while data set expected", v.ContextID)
		}
		if len(a.command)+len(v.Data) > a.maxCommand {
			return nil, fmt.Errorf("command set exceeds %d bytes", a.maxCommand)
		}
		a.command = append(a.command, v.Data...)
		if !v.Last {
			return nil, nil
		}
		hasData, err := commandHasDataset(a.command)
		if err != nil {
			return nil, err
		}
		if hasData {
			a.expectData = true
			return nil, nil
		}
		msg := &Message{ContextID: a.contextID, Command: a.command}
		a.reset()
		return msg, nil
	}

	if !a.expectData {
		return nil, fmt.Errorf("data PDV on context %d for a command without data set", v.ContextID)
	}
	if _, err := a.data.Write(v.Data); err != nil {
		return nil, err
	}
	if !v.Last {
		return nil, nil
	}
	data, err := a.data.finish()
	if err != nil {
		return nil, err
	}
	msg := &Message{ContextID: a.contextID, Command: a.command, Data: data}
	a.command = nil
	a.reset()
	return msg, nil
}

// pdataWriter packs a byte stream into PDVs and PDVs into P-DATA-TF PDUs no larger than max.
type pdataWriter struct {
	send    func(*pdu.PDataTF) error
	max     int
	maxPDVs int

	items   []pdu.PDV
	used    int
	ctxID   byte
	command bool
	cur     []byte
	err     error
}

func newPDataWriter(max, maxPDVs int, send func(*pdu.PDataTF) error) *pdataWriter {
	if max < pdu.PDVHeaderLength+2 {
		max = pdu.PDVHeaderLength + 2
	}
	return &pdataWriter{send: send, max: max, maxPDVs: maxPDVs}
}

// begin starts a new fragment stream.
func (w *pdataWriter) begin(ctxID byte, command bool) {
	w.ctxID = ctxID
	w.command = command
	w.cur = w.cur[:0]
}

func (w *pdataWriter) room() int {
	return w.max - w.used - pdu.PDVHeaderLength - len(w.cur)
}

func (w *pdataWriter) Write(b []byte) (int, error) {
	n := 0
	for len(b) > 0 {
		if w.err != nil {
			return n, w.err
		}
		room := w.room()
		if room <= 0 {
			if len(w.cur) > 0 {
				w.closeItem(false)
			}
			w.flush()
			continue
		}
		k := min(room, len(b))
		w.cur = append(w.cur, b[:k]...)
		b = b[k:]
		n += k
	}
	return n, w.err
}

func (w *pdataWriter) closeItem(last bool) {
	var data []byte
	if len(w.cur) > 0 {
		data = append([]byte(nil), w.cur...)
	}
	w.items = append(w.items, pdu.PDV{ContextID: w.ctxID, Command: w.command, Last: last, Data: data})
	w.used += pdu.PDVHeaderLength + len(data)
	w.cur = w.cur[:0]
	if w.maxPDVs > 0 && len(w.items) >= w.maxPDVs {
		w.flush()
	}
}

// end closes the current stream with a last fragment.
func (w *pdataWriter) end() error {
	if w.err != nil {
		return w.err
	}
	if w.room() < 0 {
		w.flush()
	}
	w.closeItem(true)
	return w.err
}

func (w *pdataWriter) flush() error {
	if w.err != nil || len(w.items) == 0 {
		return w.err
	}
	w.err = w.send(&pdu.PDataTF{Items: w.items})
	w.items = nil
	w.used = 0
	return w.err
}
