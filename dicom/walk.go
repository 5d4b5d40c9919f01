package dicom

import (
	"fmt"
	"io"
	"strings"
)

// Visitor receives dataset items in stream order. Returning an error stops the walk.
type Visitor interface {
	OnElement(e *Element) error
	OnBeginSequence(s *Sequence) error
	OnBeginSequenceItem(ds *Dataset) error
	OnEndSequenceItem() error
	OnEndSequence() error
	OnBeginFragmentSequence(f *FragmentSequence) error
	OnFragmentItem(b Buffer) error
	OnEndFragmentSequence() error
}

type walkFrame struct {
	// dataset frame
	ds  *Dataset
	pos int
	// sequence frame
	seq  *Sequence
	item int
}

// Walk visits every item of ds depth first, without recursion.
func Walk(ds *Dataset, v Visitor) error {
	stack := []*walkFrame{{ds: ds}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]

		if top.seq != nil {
			if top.item == len(top.seq.Items) {
				stack = stack[:len(stack)-1]
				if err := v.OnEndSequence(); err != nil {
					return err
				}
				continue
			}
			item := top.seq.Items[top.item]
			top.item++
			if err := v.OnBeginSequenceItem(item); err != nil {
				return err
			}
			stack = append(stack, &walkFrame{ds: item})
			continue
		}

		if top.pos == top.ds.Len() {
			stack = stack[:len(stack)-1]
			// the root dataset has no enclosing item
			if len(stack) > 0 {
				if err := v.OnEndSequenceItem(); err != nil {
					return err
				}
			}
			continue
		}
		item := top.ds.items[top.pos]
		top.pos++

		switch it := item.(type) {
		case *Element:
			if err := v.OnElement(it); err != nil {
				return err
			}
		case *Sequence:
			if err := v.OnBeginSequence(it); err != nil {
				return err
			}
			stack = append(stack, &walkFrame{seq: it})
		case *FragmentSequence:
			if err := v.OnBeginFragmentSequence(it); err != nil {
				return err
			}
			for _, frag := range it.Fragments {
				if err := v.OnFragmentItem(frag); err != nil {
					return err
				}
			}
			if err := v.OnEndFragmentSequence(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected dataset item %T", item)
		}
	}
	return nil
}

// Dump writes an indented, human readable listing of ds to w.
func Dump(w io.Writer, ds *Dataset) error {
	return Walk(ds, &dumper{w: w, ds: ds})
}

type dumper struct {
	w     io.Writer
	depth int
	ds    *Dataset
}

func (d *dumper) line(format string, args ...any) error {
	_, err := fmt.Fprintf(d.w, "%s"+format+"\n", append([]any{strings.Repeat("  ", d.depth)}, args...)...)
	return err
}

func (d *dumper) OnElement(e *Element) error {
	entry, _ := standardDictionary.Lookup(e.Tag)
	return d.line("%s %s %-28s %s", e.Tag, e.VR, entry.Keyword, previewValue(e))
}

func (d *dumper) OnBeginSequence(s *Sequence) error {
	entry, _ := standardDictionary.Lookup(s.Tag)
	err := d.line("%s SQ %-28s (%d items)", s.Tag, entry.Keyword, len(s.Items))
	d.depth++
	return err
}

func (d *dumper) OnBeginSequenceItem(ds *Dataset) error {
	err := d.line("%s", ItemTag)
	d.depth++
	return err
}

func (d *dumper) OnEndSequenceItem() error {
	d.depth--
	return nil
}

func (d *dumper) OnEndSequence() error {
	d.depth--
	return nil
}

func (d *dumper) OnBeginFragmentSequence(f *FragmentSequence) error {
	err := d.line("%s %s PixelData (%d fragments)", f.Tag, f.VR, len(f.Fragments))
	d.depth++
	return err
}

func (d *dumper) OnFragmentItem(b Buffer) error {
	return d.line("%s fragment %d bytes", ItemTag, b.Len())
}

func (d *dumper) OnEndFragmentSequence() error {
	d.depth--
	return nil
}

func previewValue(e *Element) string {
	if e.Value == nil || e.Value.Len() == 0 {
		return "<empty>"
	}
	if e.Value.Len() > 64 {
		return fmt.Sprintf("<%d bytes>", e.Value.Len())
	}
	raw, err := e.Value.Bytes()
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	if e.VR.IsString() {
		return "[" + strings.TrimRight(string(raw), " \x00") + "]"
	}
	return fmt.Sprintf("% x", raw)
}
