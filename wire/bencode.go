// Package wire defines the on-the-wire dictionaries exchanged between slick
// peers (bencoded Request and File records) and a message envelope that
// interprets a POST / body by its Content-Type. No bencode library appears anywhere in the
// example corpus this module was grounded on, so the codec below is
// hand-rolled, styled on the teacher's other manual wire encoders
// (tornet/crypto.go's paired MarshalJSON/UnmarshalJSON methods): a small,
// explicit, round-trippable format with no reflection.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ErrMalformed is returned for any bencode input that does not parse as one
// of the dictionaries this package understands.
var ErrMalformed = errors.New("wire: malformed bencode")

// Request is the greeting payload exchanged during pairing (spec §6): the
// sender's certificate, display name and X25519 public key. Keys are
// bencoded in the fixed order cert, name, public_key.
type Request struct {
	Cert      []byte
	Name      string
	PublicKey []byte
}

// EncodeRequest bencodes a Request as an ordered dict.
func EncodeRequest(r Request) []byte {
	var buf bytes.Buffer
	buf.WriteByte('d')
	writeBytesItem(&buf, "cert", r.Cert)
	writeStringItem(&buf, "name", r.Name)
	writeBytesItem(&buf, "public_key", r.PublicKey)
	buf.WriteByte('e')
	return buf.Bytes()
}

// DecodeRequest parses a bencoded Request dict produced by EncodeRequest.
func DecodeRequest(data []byte) (Request, error) {
	d := newDecoder(data)
	fields, err := d.dict()
	if err != nil {
		return Request{}, err
	}
	cert, ok := fields["cert"].([]byte)
	if !ok {
		return Request{}, fmt.Errorf("%w: missing cert", ErrMalformed)
	}
	name, ok := fields["name"].([]byte)
	if !ok {
		return Request{}, fmt.Errorf("%w: missing name", ErrMalformed)
	}
	pub, ok := fields["public_key"].([]byte)
	if !ok {
		return Request{}, fmt.Errorf("%w: missing public_key", ErrMalformed)
	}
	return Request{Cert: cert, Name: string(name), PublicKey: pub}, nil
}

// File is the file-offer descriptor sent as the body of a POST with
// content-type x-slick/file (spec §4.8, §6).
type File struct {
	URL  string
	Size int64
	Type string
	Name string
}

// EncodeFile bencodes a File as an ordered dict.
func EncodeFile(f File) []byte {
	var buf bytes.Buffer
	buf.WriteByte('d')
	writeStringItem(&buf, "name", f.Name)
	writeIntItem(&buf, "size", f.Size)
	writeStringItem(&buf, "type", f.Type)
	writeStringItem(&buf, "url", f.URL)
	buf.WriteByte('e')
	return buf.Bytes()
}

// DecodeFile parses a bencoded File dict produced by EncodeFile.
func DecodeFile(data []byte) (File, error) {
	d := newDecoder(data)
	fields, err := d.dict()
	if err != nil {
		return File{}, err
	}
	url, ok := fields["url"].([]byte)
	if !ok {
		return File{}, fmt.Errorf("%w: missing url", ErrMalformed)
	}
	size, ok := fields["size"].(int64)
	if !ok {
		return File{}, fmt.Errorf("%w: missing size", ErrMalformed)
	}
	typ, ok := fields["type"].([]byte)
	if !ok {
		return File{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	name, ok := fields["name"].([]byte)
	if !ok {
		return File{}, fmt.Errorf("%w: missing name", ErrMalformed)
	}
	return File{URL: string(url), Size: size, Type: string(typ), Name: string(name)}, nil
}

// FileContentType is the Content-Type TalkServer recognizes as a bencoded
// File rather than plain text.
const FileContentType = "x-slick/file"

// Message pairs the body of a POST / with its Content-Type so the body can
// be read as a bencoded File or as text. TalkServer itself hands the
// application a slickctx.Message, not this type; a Message is built by
// whoever holds those fields. SenderName is supplied by that caller (the
// peer is known only from its TLS SAN, not from anything in the body), so
// this package never depends on friendstore.
type Message struct {
	SenderName  string
	ContentType string
	Data        []byte
}

// IsFile reports whether the envelope's content-type marks it as a bencoded
// File offer rather than free text.
func (m Message) IsFile() bool {
	return m.ContentType == FileContentType
}

// File decodes the envelope body as a File. It is only meaningful when
// IsFile reports true.
func (m Message) File() (File, error) {
	return DecodeFile(m.Data)
}

// Text returns the envelope body interpreted as UTF-8 text. It is only
// meaningful when IsFile reports false.
func (m Message) Text() string {
	return string(m.Data)
}

// --- minimal bencode primitives -------------------------------------------

func writeStringItem(buf *bytes.Buffer, key, val string) {
	writeBencodeString(buf, key)
	writeBencodeString(buf, val)
}

func writeBytesItem(buf *bytes.Buffer, key string, val []byte) {
	writeBencodeString(buf, key)
	fmt.Fprintf(buf, "%d:", len(val))
	buf.Write(val)
}

func writeIntItem(buf *bytes.Buffer, key string, val int64) {
	writeBencodeString(buf, key)
	fmt.Fprintf(buf, "i%de", val)
}

func writeBencodeString(buf *bytes.Buffer, s string) {
	fmt.Fprintf(buf, "%d:%s", len(s), s)
}

// decoder parses a single bencoded dictionary whose values are byte strings
// or integers, which is all Request and File ever need.
type decoder struct {
	data []byte
	pos  int
}

func newDecoder(data []byte) *decoder {
	return &decoder{data: data}
}

func (d *decoder) dict() (map[string]interface{}, error) {
	if d.pos >= len(d.data) || d.data[d.pos] != 'd' {
		return nil, fmt.Errorf("%w: expected dict", ErrMalformed)
	}
	d.pos++

	fields := make(map[string]interface{})
	for {
		if d.pos >= len(d.data) {
			return nil, fmt.Errorf("%w: unterminated dict", ErrMalformed)
		}
		if d.data[d.pos] == 'e' {
			d.pos++
			return fields, nil
		}
		key, err := d.byteString()
		if err != nil {
			return nil, err
		}
		val, err := d.value()
		if err != nil {
			return nil, err
		}
		fields[string(key)] = val
	}
}

// value decodes either a bencode integer or a byte string. Bencode itself
// draws no distinction between text and binary strings, so every string
// value is boxed as []byte here; callers that want text convert with
// string(...) themselves (see DecodeRequest/DecodeFile).
func (d *decoder) value() (interface{}, error) {
	if d.pos >= len(d.data) {
		return nil, io.ErrUnexpectedEOF
	}
	if d.data[d.pos] == 'i' {
		return d.integer()
	}
	return d.byteString()
}

func (d *decoder) integer() (int64, error) {
	end := bytes.IndexByte(d.data[d.pos:], 'e')
	if end < 0 {
		return 0, fmt.Errorf("%w: unterminated integer", ErrMalformed)
	}
	raw := d.data[d.pos+1 : d.pos+end]
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	d.pos += end + 1
	return n, nil
}

func (d *decoder) byteString() ([]byte, error) {
	colon := bytes.IndexByte(d.data[d.pos:], ':')
	if colon < 0 {
		return nil, fmt.Errorf("%w: malformed length prefix", ErrMalformed)
	}
	length, err := strconv.Atoi(string(d.data[d.pos : d.pos+colon]))
	if err != nil || length < 0 {
		return nil, fmt.Errorf("%w: bad string length", ErrMalformed)
	}
	start := d.pos + colon + 1
	end := start + length
	if end > len(d.data) {
		return nil, fmt.Errorf("%w: string runs past end", ErrMalformed)
	}
	d.pos = end
	return d.data[start:end], nil
}
