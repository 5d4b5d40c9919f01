package dicom

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
)

// Charset decodes text values according to Specific Character Set (0008,0005).
type Charset struct {
	Terms []string
	enc   encoding.Encoding
}

var charsetTerms = map[string]encoding.Encoding{
	"ISO_IR 100": charmap.ISO8859_1,
	"ISO_IR 101": charmap.ISO8859_2,
	"ISO_IR 109": charmap.ISO8859_3,
	"ISO_IR 110": charmap.ISO8859_4,
	"ISO_IR 144": charmap.ISO8859_5,
	"ISO_IR 127": charmap.ISO8859_6,
	"ISO_IR 126": charmap.ISO8859_7,
	"ISO_IR 138": charmap.ISO8859_8,
	"ISO_IR 148": charmap.ISO8859_9,
	"ISO_IR 203": charmap.ISO8859_15,
	"ISO_IR 166": charmap.Windows874,
	"ISO_IR 13":  japanese.ShiftJIS,
	"ISO_IR 192": unicode.UTF8,
	"GB18030":    simplifiedchinese.GB18030,
	"GBK":        simplifiedchinese.GBK,

	"ISO 2022 IR 6":   nil,
	"ISO 2022 IR 100": charmap.ISO8859_1,
	"ISO 2022 IR 101": charmap.ISO8859_2,
	"ISO 2022 IR 144": charmap.ISO8859_5,
	"ISO 2022 IR 126": charmap.ISO8859_7,
	"ISO 2022 IR 13":  japanese.ShiftJIS,
	"ISO 2022 IR 87":  japanese.ISO2022JP,
	"ISO 2022 IR 159": japanese.ISO2022JP,
	"ISO 2022 IR 149": korean.EUCKR,
	"ISO 2022 IR 58":  simplifiedchinese.GBK,
}

// CharsetFor builds a decoder for the values of (0008,0005). An empty list or ISO_IR 6 means
// the default repertoire. Unknown terms fall back to the default and return an error describing
// the term so callers can log it; the returned Charset is always usable.
func CharsetFor(terms []string) (*Charset, error) {
	cs := &Charset{Terms: terms}
	var unknown []string
	for _, raw := range terms {
		term := strings.TrimSpace(raw)
		if term == "" || term == "ISO_IR 6" {
			continue
		}
		enc, ok := charsetTerms[term]
		if !ok {
			unknown = append(unknown, term)
			continue
		}
		// multi-valued code extensions: the first non-default set wins
		if cs.enc == nil && enc != nil {
			cs.enc = enc
		}
	}
	if len(unknown) > 0 {
		return cs, fmt.Errorf("unsupported specific character set %q", strings.Join(unknown, "\\"))
	}
	return cs, nil
}

// Decode converts raw value bytes to UTF-8. Undecodable input is returned as is.
func (c *Charset) Decode(b []byte) string {
	if c == nil || c.enc == nil {
		return string(b)
	}
	out, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// Encode converts UTF-8 text to the character set. Unrepresentable input is returned as is.
func (c *Charset) Encode(s string) []byte {
	if c == nil || c.enc == nil {
		return []byte(s)
	}
	out, err := c.enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return []byte(s)
	}
	return out
}
