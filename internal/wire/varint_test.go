package wire

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestUvarintKnownVectors(t *testing.T) {
	cases := []struct {
		in  uint64
		out []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7F}},
		{128, []byte{0x80, 0x01}},
		{300, []byte{0xAC, 0x02}},
	}

	for _, c := range cases {
		got := PutUvarint(nil, c.in)
		if !bytes.Equal(got, c.out) {
			t.Errorf("PutUvarint(%d) = % x, want % x", c.in, got, c.out)
		}

		u, n, err := Uvarint(got)
		if err != nil {
			t.Fatalf("Uvarint(% x): %v", got, err)
		}
		if u != c.in || n != len(c.out) {
			t.Errorf("Uvarint(% x) = (%d, %d), want (%d, %d)", got, u, n, c.in, len(c.out))
		}
	}
}

func TestVarintKnownVectors(t *testing.T) {
	cases := []struct {
		in  int64
		out []byte
	}{
		{-1, []byte{0x01}},
		{1, []byte{0x02}},
		{0, []byte{0x00}},
	}

	for _, c := range cases {
		got := PutVarint(nil, c.in)
		if !bytes.Equal(got, c.out) {
			t.Errorf("PutVarint(%d) = % x, want % x", c.in, got, c.out)
		}
	}
}

func TestUvarintRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		u := r.Uint64()
		buf := PutUvarint(nil, u)
		if len(buf) > 10 {
			t.Fatalf("encoding of %d took %d bytes, want <= 10", u, len(buf))
		}
		got, n, err := Uvarint(buf)
		if err != nil {
			t.Fatalf("Uvarint: %v", err)
		}
		if got != u || n != len(buf) {
			t.Errorf("round trip of %d: got (%d, %d)", u, got, n)
		}
	}
}

func TestVarintRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 10000; i++ {
		n := int64(r.Uint64())
		buf := PutVarint(nil, n)
		got, consumed, err := Varint(buf)
		if err != nil {
			t.Fatalf("Varint: %v", err)
		}
		if got != n || consumed != len(buf) {
			t.Errorf("round trip of %d: got (%d, %d)", n, got, consumed)
		}
	}
}

func TestUvarintTruncated(t *testing.T) {
	buf := PutUvarint(nil, 1<<40)
	for i := 1; i < len(buf); i++ {
		if _, _, err := Uvarint(buf[:i]); err != ErrTruncated {
			t.Errorf("Uvarint(% x) = _, _, %v, want ErrTruncated", buf[:i], err)
		}
	}
}

func TestUvarintOverflow(t *testing.T) {
	// 11 continuation bytes with no terminator: always overflow, regardless
	// of truncation, since it exceeds the 10-byte max width.
	buf := bytes.Repeat([]byte{0x80}, 11)
	if _, _, err := Uvarint(buf); err != ErrOverflow {
		t.Errorf("Uvarint(% x) = _, _, %v, want ErrOverflow", buf, err)
	}
}

func TestPutUvarintCanonical(t *testing.T) {
	// Encoder must never emit a trailing zero continuation byte.
	for _, u := range []uint64{0, 1, 127, 128, 1 << 32, ^uint64(0)} {
		buf := PutUvarint(nil, u)
		if buf[len(buf)-1]&0x80 != 0 {
			t.Errorf("PutUvarint(%d) ends with a continuation byte: % x", u, buf)
		}
	}
}
