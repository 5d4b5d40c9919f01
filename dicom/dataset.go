package dicom

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Item is one dataset entry: *Element, *Sequence or *FragmentSequence.
type Item interface {
	ItemTag() Tag
	clone() Item
}

// Element is a plain data element.
type Element struct {
	Tag   Tag
	VR    VR
	Value Buffer
}

// ItemTag implements Item.
func (e *Element) ItemTag() Tag { return e.Tag }

// Len returns the unpadded value length.
func (e *Element) Len() int64 {
	if e.Value == nil {
		return 0
	}
	return e.Value.Len()
}

func (e *Element) clone() Item {
	c := *e
	if mb, ok := e.Value.(*MemoryBuffer); ok {
		data := make([]byte, len(mb.data))
		copy(data, mb.data)
		c.Value = NewMemoryBuffer(data, mb.order)
	}
	return &c
}

// Sequence is an SQ element holding nested datasets.
type Sequence struct {
	Tag   Tag
	Items []*Dataset
	// UndefinedLength records how the sequence was encoded when read.
	UndefinedLength bool
}

// ItemTag implements Item.
func (s *Sequence) ItemTag() Tag { return s.Tag }

func (s *Sequence) clone() Item {
	c := &Sequence{Tag: s.Tag, UndefinedLength: s.UndefinedLength, Items: make([]*Dataset, len(s.Items))}
	for i, ds := range s.Items {
		c.Items[i] = ds.Clone()
	}
	return c
}

// FragmentSequence is encapsulated pixel data: a basic offset table and compressed fragments.
type FragmentSequence struct {
	Tag         Tag
	VR          VR
	OffsetTable []uint32
	Fragments   []Buffer
}

// ItemTag implements Item.
func (f *FragmentSequence) ItemTag() Tag { return f.Tag }

func (f *FragmentSequence) clone() Item {
	c := &FragmentSequence{Tag: f.Tag, VR: f.VR}
	c.OffsetTable = append(c.OffsetTable, f.OffsetTable...)
	for _, frag := range f.Fragments {
		if mb, ok := frag.(*MemoryBuffer); ok {
			data := make([]byte, len(mb.data))
			copy(data, mb.data)
			frag = NewMemoryBuffer(data, mb.order)
		}
		c.Fragments = append(c.Fragments, frag)
	}
	return c
}

// Dataset is an ordered collection of items with unique tags, kept in ascending tag order.
type Dataset struct {
	items []Item

	// TransferSyntax is the UID the in-memory values were read from or built for.
	TransferSyntax string
	// Charset decodes text values; nil means the default repertoire.
	Charset *Charset
}

// NewDataset creates a new empty dataset
func NewDataset() *Dataset {
	return &Dataset{}
}

func (d *Dataset) search(tag Tag) int {
	return sort.Search(len(d.items), func(i int) bool {
		return !d.items[i].ItemTag().Less(tag)
	})
}

// Add inserts item at its sorted position, replacing any item with the same tag.
func (d *Dataset) Add(item Item) {
	tag := item.ItemTag()
	// common case while reading: appending in ascending order
	if n := len(d.items); n == 0 || d.items[n-1].ItemTag().Less(tag) {
		d.items = append(d.items, item)
		return
	}
	i := d.search(tag)
	if i < len(d.items) && d.items[i].ItemTag() == tag {
		d.items[i] = item
		return
	}
	d.items = append(d.items, nil)
	copy(d.items[i+1:], d.items[i:])
	d.items[i] = item
}

// Get returns the item with tag.
func (d *Dataset) Get(tag Tag) (Item, bool) {
	if d == nil {
		return nil, false
	}
	i := d.search(tag)
	if i < len(d.items) && d.items[i].ItemTag() == tag {
		return d.items[i], true
	}
	return nil, false
}

// Remove deletes the item with tag and reports whether it was present.
func (d *Dataset) Remove(tag Tag) bool {
	i := d.search(tag)
	if i < len(d.items) && d.items[i].ItemTag() == tag {
		d.items = append(d.items[:i], d.items[i+1:]...)
		return true
	}
	return false
}

// Items returns the items in ascending tag order. The slice must not be modified.
func (d *Dataset) Items() []Item {
	if d == nil {
		return nil
	}
	return d.items
}

// Len returns the number of top-level items.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.items)
}

// Clone returns a deep copy. Values referencing files or streams share the reference.
func (d *Dataset) Clone() *Dataset {
	if d == nil {
		return nil
	}
	c := &Dataset{TransferSyntax: d.TransferSyntax, Charset: d.Charset, items: make([]Item, len(d.items))}
	for i, item := range d.items {
		c.items[i] = item.clone()
	}
	return c
}

// Element returns the plain element with tag.
func (d *Dataset) Element(tag Tag) (*Element, bool) {
	item, ok := d.Get(tag)
	if !ok {
		return nil, false
	}
	e, ok := item.(*Element)
	return e, ok
}

// Sequence returns the sequence with tag.
func (d *Dataset) Sequence(tag Tag) (*Sequence, bool) {
	item, ok := d.Get(tag)
	if !ok {
		return nil, false
	}
	s, ok := item.(*Sequence)
	return s, ok
}

// GetString returns a string value for a tag
func (d *Dataset) GetString(tag Tag) string {
	values := d.GetStrings(tag)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// GetStrings returns a slice of string values for a tag
func (d *Dataset) GetStrings(tag Tag) []string {
	e, ok := d.Element(tag)
	if !ok || e.Value == nil {
		return nil
	}
	raw, err := e.Value.Bytes()
	if err != nil || len(raw) == 0 {
		return nil
	}

	var value string
	if e.VR.UsesCharacterSet() && d.Charset != nil {
		value = d.Charset.Decode(raw)
	} else {
		value = string(raw)
	}

	parts := strings.Split(value, "\\")
	result := make([]string, len(parts))
	for i, part := range parts {
		switch e.VR {
		case VR_ST, VR_LT, VR_UT:
			result[i] = strings.TrimRight(part, " \x00")
		default:
			result[i] = strings.Trim(part, " \x00")
		}
	}
	return result
}

// GetUint16 returns the first US/SS value of tag.
func (d *Dataset) GetUint16(tag Tag) (uint16, bool) {
	raw, order, ok := d.binaryValue(tag, 2)
	if !ok {
		return 0, false
	}
	return order.Uint16(raw), true
}

// GetUint32 returns the first UL/SL value of tag.
func (d *Dataset) GetUint32(tag Tag) (uint32, bool) {
	raw, order, ok := d.binaryValue(tag, 4)
	if !ok {
		return 0, false
	}
	return order.Uint32(raw), true
}

// GetInt parses an IS value or widens a binary integer.
func (d *Dataset) GetInt(tag Tag) (int, bool) {
	e, ok := d.Element(tag)
	if !ok {
		return 0, false
	}
	switch e.VR {
	case VR_US, VR_SS:
		v, ok := d.GetUint16(tag)
		return int(v), ok
	case VR_UL, VR_SL:
		v, ok := d.GetUint32(tag)
		return int(v), ok
	}
	var n int
	if _, err := fmt.Sscanf(d.GetString(tag), "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

func (d *Dataset) binaryValue(tag Tag, size int) ([]byte, binary.ByteOrder, bool) {
	e, ok := d.Element(tag)
	if !ok || e.Value == nil {
		return nil, nil, false
	}
	raw, err := e.Value.Bytes()
	if err != nil || len(raw) < size {
		return nil, nil, false
	}
	order := e.Value.Endian()
	if order == nil {
		order = binary.LittleEndian
	}
	return raw[:size], order, true
}

// SetString stores a multi-valued string element, joining values with backslash.
func (d *Dataset) SetString(tag Tag, vr VR, values ...string) {
	d.Add(&Element{Tag: tag, VR: vr, Value: NewMemoryBuffer([]byte(strings.Join(values, "\\")), nil)})
}

// SetUint16 stores one or more 16-bit values in little endian order.
func (d *Dataset) SetUint16(tag Tag, vr VR, values ...uint16) {
	b := make([]byte, 0, 2*len(values))
	for _, v := range values {
		b = binary.LittleEndian.AppendUint16(b, v)
	}
	d.Add(&Element{Tag: tag, VR: vr, Value: NewMemoryBuffer(b, binary.LittleEndian)})
}

// SetUint32 stores one or more 32-bit values in little endian order.
func (d *Dataset) SetUint32(tag Tag, vr VR, values ...uint32) {
	b := make([]byte, 0, 4*len(values))
	for _, v := range values {
		b = binary.LittleEndian.AppendUint32(b, v)
	}
	d.Add(&Element{Tag: tag, VR: vr, Value: NewMemoryBuffer(b, binary.LittleEndian)})
}

// SetBytes stores raw bytes. Multi-byte VRs are taken to be little endian.
func (d *Dataset) SetBytes(tag Tag, vr VR, b []byte) {
	var order binary.ByteOrder
	if vr.UnitSize() > 1 {
		order = binary.LittleEndian
	}
	d.Add(&Element{Tag: tag, VR: vr, Value: NewMemoryBuffer(b, order)})
}

// SetTags stores an AT value.
func (d *Dataset) SetTags(tag Tag, tags ...Tag) {
	b := make([]byte, 0, 4*len(tags))
	for _, t := range tags {
		b = binary.LittleEndian.AppendUint16(b, t.Group)
		b = binary.LittleEndian.AppendUint16(b, t.Element)
	}
	d.Add(&Element{Tag: tag, VR: VR_AT, Value: NewMemoryBuffer(b, binary.LittleEndian)})
}
