// Package rasterwkb decodes and encodes the self-describing binary tile
// payloads stored in the backing store's raster column.
package rasterwkb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unsafe"
)

// HeaderSize is the fixed length of the serialized raster header: one
// endianness byte, version, band count, six float64 georeferencing
// fields, the SRID and the tile dimensions.
const HeaderSize = 61

const (
	flagOffDB     = 0x80
	flagHasNoData = 0x40
	pixelTypeMask = 0x0f
)

var (
	ErrShortPayload   = errors.New("payload shorter than declared contents")
	ErrTrailingBytes  = errors.New("trailing bytes after last band")
	ErrPixelType      = errors.New("unknown pixel type")
	ErrPathTerminator = errors.New("out-of-db path not NUL terminated")
	ErrBandData       = errors.New("band data length does not match dimensions")
)

// DecodeError locates a payload decode failure.
type DecodeError struct {
	Band   int // 1-based; 0 when the failure is not band specific
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Band > 0 {
		return fmt.Sprintf("raster payload: band %d at offset %d: %v", e.Band, e.Offset, e.Err)
	}
	return fmt.Sprintf("raster payload: offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(band, off int, err error) error {
	return &DecodeError{Band: band, Offset: off, Err: err}
}

// Header carries the georeferencing fields serialized in front of the
// band sections.
type Header struct {
	Version    uint16
	NumBands   int
	ScaleX     float64
	ScaleY     float64
	UpperLeftX float64
	UpperLeftY float64
	SkewX      float64
	SkewY      float64
	SRID       int32
	Width      int
	Height     int
}

// Band is one decoded band section. In-row bands carry their samples in
// Data, converted to host byte order. Out-of-database bands carry the
// remote band number (1-based) and the remote file path instead.
type Band struct {
	PixelType PixelType
	HasNoData bool
	NoData    float64
	OffDB     bool

	Data []byte

	BandNumber int
	Path       string
}

// Raster is a fully decoded tile payload.
type Raster struct {
	Header Header
	Bands  []Band
}

// wireHeader matches the serialized field layout after the endianness byte.
type wireHeader struct {
	Version  uint16
	NumBands uint16
	ScaleX   float64
	ScaleY   float64
	IPX      float64
	IPY      float64
	SkewX    float64
	SkewY    float64
	SRID     int32
	Width    uint16
	Height   uint16
}

var hostOrder binary.ByteOrder = func() binary.ByteOrder {
	var x uint16 = 1
	if *(*byte)(unsafe.Pointer(&x)) == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}()

// MinLength returns the smallest possible payload length for the given
// number of bands of the given sample size: the header plus each band's
// flag byte and nodata value. Callers use it to discard short payloads
// before attempting a full decode.
func MinLength(typeSize, bands int) int {
	return HeaderSize + (1+typeSize)*bands
}

// Decode parses a serialized tile payload. It fails if the payload is
// truncated, declares an unknown pixel type, ends before every declared
// band is consumed, or carries trailing bytes after the last band.
func Decode(data []byte) (*Raster, error) {
	if len(data) < HeaderSize {
		return nil, decodeErr(0, len(data), ErrShortPayload)
	}

	order := binary.ByteOrder(binary.BigEndian)
	if data[0] == 1 {
		order = binary.LittleEndian
	}

	var wh wireHeader
	if err := binary.Read(bytes.NewReader(data[1:HeaderSize]), order, &wh); err != nil {
		return nil, decodeErr(0, 1, err)
	}

	r := &Raster{
		Header: Header{
			Version:    wh.Version,
			NumBands:   int(wh.NumBands),
			ScaleX:     wh.ScaleX,
			ScaleY:     wh.ScaleY,
			UpperLeftX: wh.IPX,
			UpperLeftY: wh.IPY,
			SkewX:      wh.SkewX,
			SkewY:      wh.SkewY,
			SRID:       wh.SRID,
			Width:      int(wh.Width),
			Height:     int(wh.Height),
		},
	}

	off := HeaderSize
	for i := 0; i < r.Header.NumBands; i++ {
		band := i + 1
		if off >= len(data) {
			return nil, decodeErr(band, off, ErrShortPayload)
		}
		flag := data[off]
		off++

		ptype, err := PixelTypeFromCode(flag & pixelTypeMask)
		if err != nil {
			return nil, decodeErr(band, off-1, ErrPixelType)
		}
		size := ptype.Size()

		if off+size > len(data) {
			return nil, decodeErr(band, off, ErrShortPayload)
		}
		b := Band{
			PixelType: ptype,
			HasNoData: flag&flagHasNoData != 0,
			NoData:    decodeValue(data[off:off+size], ptype, order),
			OffDB:     flag&flagOffDB != 0,
		}
		off += size

		if b.OffDB {
			// One band number byte plus at least the path terminator.
			if off+2 > len(data) {
				return nil, decodeErr(band, off, ErrShortPayload)
			}
			b.BandNumber = int(data[off]) + 1 // stored 0-based
			off++
			end := bytes.IndexByte(data[off:], 0)
			if end < 0 {
				return nil, decodeErr(band, off, ErrPathTerminator)
			}
			b.Path = string(data[off : off+end])
			off += end + 1
		} else {
			n := r.Header.Width * r.Header.Height * size
			if off+n > len(data) {
				return nil, decodeErr(band, off, ErrShortPayload)
			}
			b.Data = append([]byte(nil), data[off:off+n]...)
			if order != hostOrder && size > 1 {
				swapBytes(b.Data, size)
			}
			off += n
		}
		r.Bands = append(r.Bands, b)
	}

	if off != len(data) {
		return nil, decodeErr(0, off, ErrTrailingBytes)
	}
	return r, nil
}

// Encode serializes the raster in the given byte order. Band data is
// expected in host order; every in-row band must carry exactly
// Width*Height*Size bytes.
func (r *Raster) Encode(order binary.ByteOrder) ([]byte, error) {
	var buf bytes.Buffer
	endian := byte(0)
	if order == binary.LittleEndian {
		endian = 1
	}
	buf.WriteByte(endian)

	wh := wireHeader{
		Version:  r.Header.Version,
		NumBands: uint16(len(r.Bands)),
		ScaleX:   r.Header.ScaleX,
		ScaleY:   r.Header.ScaleY,
		IPX:      r.Header.UpperLeftX,
		IPY:      r.Header.UpperLeftY,
		SkewX:    r.Header.SkewX,
		SkewY:    r.Header.SkewY,
		SRID:     r.Header.SRID,
		Width:    uint16(r.Header.Width),
		Height:   uint16(r.Header.Height),
	}
	if err := binary.Write(&buf, order, &wh); err != nil {
		return nil, err
	}

	val := make([]byte, 8)
	for i := range r.Bands {
		b := &r.Bands[i]
		if !b.PixelType.Valid() {
			return nil, fmt.Errorf("band %d: %w: %q", i+1, ErrPixelType, b.PixelType)
		}
		size := b.PixelType.Size()

		flag := b.PixelType.Code()
		if b.HasNoData {
			flag |= flagHasNoData
		}
		if b.OffDB {
			flag |= flagOffDB
		}
		buf.WriteByte(flag)

		encodeValue(val[:size], b.NoData, b.PixelType, order)
		buf.Write(val[:size])

		if b.OffDB {
			if b.BandNumber < 1 || b.BandNumber > 256 {
				return nil, fmt.Errorf("band %d: out-of-db band number %d out of range", i+1, b.BandNumber)
			}
			buf.WriteByte(byte(b.BandNumber - 1))
			buf.WriteString(b.Path)
			buf.WriteByte(0)
		} else {
			want := r.Header.Width * r.Header.Height * size
			if len(b.Data) != want {
				return nil, fmt.Errorf("band %d: %w: have %d want %d", i+1, ErrBandData, len(b.Data), want)
			}
			if order != hostOrder && size > 1 {
				swapped := append([]byte(nil), b.Data...)
				swapBytes(swapped, size)
				buf.Write(swapped)
			} else {
				buf.Write(b.Data)
			}
		}
	}
	return buf.Bytes(), nil
}

func decodeValue(raw []byte, p PixelType, order binary.ByteOrder) float64 {
	switch p {
	case PixelType8BSI:
		return float64(int8(raw[0]))
	case PixelType1BB, PixelType2BUI, PixelType4BUI, PixelType8BUI:
		return float64(raw[0])
	case PixelType16BSI:
		return float64(int16(order.Uint16(raw)))
	case PixelType16BUI:
		return float64(order.Uint16(raw))
	case PixelType32BSI:
		return float64(int32(order.Uint32(raw)))
	case PixelType32BUI:
		return float64(order.Uint32(raw))
	case PixelType32BF:
		return float64(math.Float32frombits(order.Uint32(raw)))
	case PixelType64BF:
		return math.Float64frombits(order.Uint64(raw))
	}
	return 0
}

func encodeValue(dst []byte, v float64, p PixelType, order binary.ByteOrder) {
	switch p {
	case PixelType1BB, PixelType2BUI, PixelType4BUI, PixelType8BUI:
		dst[0] = uint8(v)
	case PixelType8BSI:
		dst[0] = byte(int8(v))
	case PixelType16BSI:
		order.PutUint16(dst, uint16(int16(v)))
	case PixelType16BUI:
		order.PutUint16(dst, uint16(v))
	case PixelType32BSI:
		order.PutUint32(dst, uint32(int32(v)))
	case PixelType32BUI:
		order.PutUint32(dst, uint32(v))
	case PixelType32BF:
		order.PutUint32(dst, math.Float32bits(float32(v)))
	case PixelType64BF:
		order.PutUint64(dst, math.Float64bits(v))
	}
}

func swapBytes(data []byte, size int) {
	for i := 0; i < len(data); i += size {
		for a, b := i, i+size-1; a < b; a, b = a+1, b-1 {
			data[a], data[b] = data[b], data[a]
		}
	}
}

// HostOrder is the running machine's byte order.
func HostOrder() binary.ByteOrder { return hostOrder }

// EncodeSample writes v into dst as one sample of type p in host order.
// dst must be at least p.Size() bytes.
func EncodeSample(dst []byte, v float64, p PixelType) {
	encodeValue(dst, v, p, hostOrder)
}

// DecodeSample reads one host-order sample of type p.
func DecodeSample(raw []byte, p PixelType) float64 {
	return decodeValue(raw, p, hostOrder)
}

// SwapBytes reverses the byte order of every size-byte sample in data,
// in place.
func SwapBytes(data []byte, size int) {
	swapBytes(data, size)
}
