package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// Version is the current wire format version. SCALE and byte layout
	// are implied by this value; a future version bump is free to change
	// either.
	Version uint8 = 1

	// Scale is the fixed-point multiplier applied to prices and
	// quantities before they are varint-encoded. Fixed once per version;
	// never derived from runtime input.
	Scale float64 = 1e8

	// MaxAssets is the largest number of symbols a single header may
	// describe; symbol_id is packed into the low 7 bits of the trade's
	// leading byte.
	MaxAssets = 10

	// HandshakeLen is the length of the ASCII "START" handshake TCP
	// subscribers receive before the header.
	HandshakeLen = 5
)

// Handshake is the literal byte sequence written to a freshly accepted TCP
// subscriber before the header.
var Handshake = [HandshakeLen]byte{'S', 'T', 'A', 'R', 'T'}

var (
	// ErrTooFewAssets is returned by BuildHeader when given zero assets.
	ErrTooFewAssets = errors.New("wire: header must describe at least one asset")
	// ErrTooManyAssets is returned by BuildHeader when given more than
	// MaxAssets assets.
	ErrTooManyAssets = errors.New("wire: header describes more than 10 assets")
	// ErrAssetLenMismatch is returned by BuildHeader when the reference
	// price/quantity slices don't match the asset list length.
	ErrAssetLenMismatch = errors.New("wire: reference price/quantity count must match asset count")
	// ErrSymbolTooLong is returned by BuildHeader when a symbol name
	// exceeds 255 bytes.
	ErrSymbolTooLong = errors.New("wire: symbol name longer than 255 bytes")
	// ErrEmptySymbol is returned by BuildHeader when a symbol name is empty.
	ErrEmptySymbol = errors.New("wire: symbol name must not be empty")
	// ErrMalformed is returned by ParseHeader when the byte layout does
	// not match the expected structure.
	ErrMalformed = errors.New("wire: malformed header")
	// ErrUnsupportedVersion is returned by ParseHeader when the version
	// byte does not match a known wire format version.
	ErrUnsupportedVersion = errors.New("wire: unsupported version")
	// ErrUnknownSymbol is returned by EncodeTrade/DecodeTrade when a
	// symbol is not present in (or a symbol_id exceeds) the header's
	// asset list.
	ErrUnknownSymbol = errors.New("wire: unknown symbol")
)

// Trade is a normalized tick handed from ingest to the transport sinks.
type Trade struct {
	Timestamp    int64 // milliseconds since epoch
	Symbol       string
	Price        float64
	Quantity     float64
	IsBuyerMaker bool
}

// Header is the per-session reference block written once at the start of
// every transport stream.
type Header struct {
	Version              uint8
	Assets               []string
	ReferenceTimestamp   int64
	ReferencePrices      []float64
	ReferenceQuantities  []float64
	symbolID             map[string]int
}

// NewHeader builds a Header value and its symbol_id index, validating the
// size and shape invariants from §3.
func NewHeader(assets []string, refTS int64, refPrices, refQtys []float64) (*Header, error) {
	if len(assets) == 0 {
		return nil, ErrTooFewAssets
	}
	if len(assets) > MaxAssets {
		return nil, ErrTooManyAssets
	}
	if len(refPrices) != len(assets) || len(refQtys) != len(assets) {
		return nil, ErrAssetLenMismatch
	}
	ids := make(map[string]int, len(assets))
	for i, a := range assets {
		if len(a) == 0 {
			return nil, ErrEmptySymbol
		}
		if len(a) > 255 {
			return nil, ErrSymbolTooLong
		}
		ids[a] = i
	}
	return &Header{
		Version:             Version,
		Assets:               append([]string(nil), assets...),
		ReferenceTimestamp:   refTS,
		ReferencePrices:      append([]float64(nil), refPrices...),
		ReferenceQuantities:  append([]float64(nil), refQtys...),
		symbolID:             ids,
	}, nil
}

// SymbolID returns the 0-based index of symbol within the header's asset
// list, and whether it was found.
func (h *Header) SymbolID(symbol string) (int, bool) {
	id, ok := h.symbolID[symbol]
	return id, ok
}

// BuildHeader encodes a Header into its wire byte layout (§4.2).
func BuildHeader(h *Header) ([]byte, error) {
	if len(h.Assets) == 0 {
		return nil, ErrTooFewAssets
	}
	if len(h.Assets) > MaxAssets {
		return nil, ErrTooManyAssets
	}
	if len(h.ReferencePrices) != len(h.Assets) || len(h.ReferenceQuantities) != len(h.Assets) {
		return nil, ErrAssetLenMismatch
	}

	buf := make([]byte, 0, 2+len(h.Assets)*8+8+len(h.Assets)*16)
	buf = append(buf, Version, uint8(len(h.Assets)))
	for _, a := range h.Assets {
		if len(a) == 0 {
			return nil, ErrEmptySymbol
		}
		if len(a) > 255 {
			return nil, ErrSymbolTooLong
		}
		buf = append(buf, uint8(len(a)))
		buf = append(buf, a...)
	}

	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(h.ReferenceTimestamp))
	buf = append(buf, tsBuf[:]...)

	for _, p := range h.ReferencePrices {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(p))
		buf = append(buf, b[:]...)
	}
	for _, q := range h.ReferenceQuantities {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(q))
		buf = append(buf, b[:]...)
	}

	return buf, nil
}

// ParseHeader decodes a Header from its wire byte layout.
func ParseHeader(b []byte) (*Header, error) {
	if len(b) < 2 {
		return nil, ErrMalformed
	}
	version := b[0]
	if version != Version {
		return nil, ErrUnsupportedVersion
	}
	numAssets := int(b[1])
	if numAssets < 1 || numAssets > MaxAssets {
		return nil, ErrMalformed
	}

	pos := 2
	assets := make([]string, 0, numAssets)
	for i := 0; i < numAssets; i++ {
		if pos >= len(b) {
			return nil, ErrMalformed
		}
		nameLen := int(b[pos])
		pos++
		if nameLen == 0 || pos+nameLen > len(b) {
			return nil, ErrMalformed
		}
		assets = append(assets, string(b[pos:pos+nameLen]))
		pos += nameLen
	}

	if pos+8 > len(b) {
		return nil, ErrMalformed
	}
	refTS := int64(binary.LittleEndian.Uint64(b[pos : pos+8]))
	pos += 8

	if pos+numAssets*8*2 > len(b) {
		return nil, ErrMalformed
	}
	prices := make([]float64, numAssets)
	for i := 0; i < numAssets; i++ {
		prices[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[pos : pos+8]))
		pos += 8
	}
	qtys := make([]float64, numAssets)
	for i := 0; i < numAssets; i++ {
		qtys[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[pos : pos+8]))
		pos += 8
	}

	h, err := NewHeader(assets, refTS, prices, qtys)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return h, nil
}

// EncodeTrade encodes a single trade against header h (§4.2), appending
// the bytes to dst and returning the extended slice.
func EncodeTrade(dst []byte, h *Header, t Trade) ([]byte, error) {
	id, ok := h.SymbolID(t.Symbol)
	if !ok {
		return nil, ErrUnknownSymbol
	}

	var flagByte byte = byte(id)
	if t.IsBuyerMaker {
		flagByte |= 0x80
	}
	dst = append(dst, flagByte)

	tsDelta := t.Timestamp - h.ReferenceTimestamp
	dst = PutVarint(dst, tsDelta)

	priceDelta := t.Price - h.ReferencePrices[id]
	priceFixed := int64(math.Round(priceDelta * Scale))
	dst = PutVarint(dst, priceFixed)

	qtyFixed := uint64(math.Round(t.Quantity * Scale))
	dst = PutUvarint(dst, qtyFixed)

	return dst, nil
}

// DecodeTrade decodes a single trade from the front of b against header h,
// returning the trade and the number of bytes consumed.
func DecodeTrade(h *Header, b []byte) (Trade, int, error) {
	if len(b) < 1 {
		return Trade{}, 0, ErrTruncated
	}
	flagByte := b[0]
	id := int(flagByte & 0x7f)
	isBuyerMaker := flagByte&0x80 != 0
	pos := 1

	if id >= len(h.Assets) {
		return Trade{}, 0, ErrUnknownSymbol
	}

	tsDelta, n, err := Varint(b[pos:])
	if err != nil {
		return Trade{}, 0, err
	}
	pos += n

	priceFixed, n, err := Varint(b[pos:])
	if err != nil {
		return Trade{}, 0, err
	}
	pos += n

	qtyFixed, n, err := Uvarint(b[pos:])
	if err != nil {
		return Trade{}, 0, err
	}
	pos += n

	trade := Trade{
		Timestamp:    h.ReferenceTimestamp + tsDelta,
		Symbol:       h.Assets[id],
		Price:        h.ReferencePrices[id] + float64(priceFixed)/Scale,
		Quantity:     float64(qtyFixed) / Scale,
		IsBuyerMaker: isBuyerMaker,
	}
	return trade, pos, nil
}

// FrameLength returns the length-prefixed framing of payload: an unsigned
// varint length followed by the payload bytes, appended to dst.
func FrameLength(dst []byte, payload []byte) []byte {
	dst = PutUvarint(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// ReadFrame reads one length-prefixed frame from the front of b, returning
// the payload slice (aliasing b) and the total number of bytes consumed
// (prefix + payload).
func ReadFrame(b []byte) ([]byte, int, error) {
	length, n, err := Uvarint(b)
	if err != nil {
		return nil, 0, err
	}
	total := n + int(length)
	if total > len(b) {
		return nil, 0, ErrTruncated
	}
	return b[n:total], total, nil
}
