package wire

import (
	"bytes"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	want := Request{
		Cert:      []byte{0x30, 0x82, 0x01, 0x0a, 0x00},
		Name:      "alice",
		PublicKey: bytes.Repeat([]byte{0x07}, 32),
	}
	got, err := DecodeRequest(EncodeRequest(want))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if got.Name != want.Name || !bytes.Equal(got.Cert, want.Cert) || !bytes.Equal(got.PublicKey, want.PublicKey) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestRequestRoundTripEmptyFields(t *testing.T) {
	want := Request{}
	got, err := DecodeRequest(EncodeRequest(want))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if got.Name != "" || len(got.Cert) != 0 || len(got.PublicKey) != 0 {
		t.Fatalf("expected zero-value round trip, got %+v", got)
	}
}

func TestFileRoundTrip(t *testing.T) {
	want := File{
		URL:  "/f/3fa85f64-5717-4562-b3fc-2c963f66afa6",
		Size: 1048576 * 7,
		Type: "application/octet-stream",
		Name: "report.pdf",
	}
	got, err := DecodeFile(EncodeFile(want))
	if err != nil {
		t.Fatalf("DecodeFile: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestFileRoundTripZeroSize(t *testing.T) {
	want := File{URL: "/f/x", Size: 0, Type: "text/plain", Name: "empty.txt"}
	got, err := DecodeFile(EncodeFile(want))
	if err != nil {
		t.Fatalf("DecodeFile: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestDecodeRequestRejectsMissingField(t *testing.T) {
	f := File{URL: "u", Size: 1, Type: "t", Name: "n"}
	if _, err := DecodeRequest(EncodeFile(f)); err == nil {
		t.Fatal("expected error decoding a File dict as a Request")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := DecodeRequest([]byte("not bencode")); err == nil {
		t.Fatal("expected error for non-bencode input")
	}
	if _, err := DecodeFile([]byte("d")); err == nil {
		t.Fatal("expected error for truncated dict")
	}
}

func TestMessageIsFile(t *testing.T) {
	f := File{URL: "/f/id", Size: 10, Type: "application/octet-stream", Name: "a.bin"}
	m := Message{SenderName: "bob", ContentType: FileContentType, Data: EncodeFile(f)}
	if !m.IsFile() {
		t.Fatal("expected IsFile to be true for x-slick/file content type")
	}
	got, err := m.File()
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if got != f {
		t.Fatalf("decoded file mismatch: got %+v, want %+v", got, f)
	}
}

func TestMessageIsText(t *testing.T) {
	m := Message{SenderName: "bob", ContentType: "text/plain", Data: []byte("hi")}
	if m.IsFile() {
		t.Fatal("expected IsFile to be false for text/plain")
	}
	if m.Text() != "hi" {
		t.Fatalf("Text() = %q, want %q", m.Text(), "hi")
	}
}
