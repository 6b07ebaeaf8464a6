package rasterwkb

import "fmt"

// PixelType identifies the storage type of one band's samples, using the
// backing store's own type names.
type PixelType string

const (
	PixelType1BB   PixelType = "1BB"
	PixelType2BUI  PixelType = "2BUI"
	PixelType4BUI  PixelType = "4BUI"
	PixelType8BSI  PixelType = "8BSI"
	PixelType8BUI  PixelType = "8BUI"
	PixelType16BSI PixelType = "16BSI"
	PixelType16BUI PixelType = "16BUI"
	PixelType32BSI PixelType = "32BSI"
	PixelType32BUI PixelType = "32BUI"
	PixelType32BF  PixelType = "32BF"
	PixelType64BF  PixelType = "64BF"
)

// pixel type wire codes, indexed by the low nibble of the band flag byte
var pixelTypeByCode = [...]PixelType{
	PixelType1BB, PixelType2BUI, PixelType4BUI, PixelType8BSI,
	PixelType8BUI, PixelType16BSI, PixelType16BUI, PixelType32BSI,
	PixelType32BUI, PixelType32BF, PixelType64BF,
}

// PixelTypeFromCode maps a band flag nibble to its pixel type.
func PixelTypeFromCode(code byte) (PixelType, error) {
	if int(code) >= len(pixelTypeByCode) {
		return "", fmt.Errorf("%w: code %d", ErrPixelType, code)
	}
	return pixelTypeByCode[code], nil
}

// ParsePixelType validates a pixel type name as reported by the backing
// store's band metadata.
func ParsePixelType(s string) (PixelType, error) {
	p := PixelType(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrPixelType, s)
	}
	return p, nil
}

func (p PixelType) Valid() bool { return p.Size() != 0 }

// Size returns the serialized bytes per sample. Sub-byte types occupy one
// byte each on the wire.
func (p PixelType) Size() int {
	switch p {
	case PixelType1BB, PixelType2BUI, PixelType4BUI, PixelType8BSI, PixelType8BUI:
		return 1
	case PixelType16BSI, PixelType16BUI:
		return 2
	case PixelType32BSI, PixelType32BUI, PixelType32BF:
		return 4
	case PixelType64BF:
		return 8
	}
	return 0
}

// Code returns the wire nibble for the pixel type.
func (p PixelType) Code() byte {
	for i, t := range pixelTypeByCode {
		if t == p {
			return byte(i)
		}
	}
	return 0xff
}

// DataTypeName returns the generic raster data type the decoded samples
// reinterpret as. Its size always matches Size().
func (p PixelType) DataTypeName() string {
	switch p {
	case PixelType1BB, PixelType2BUI, PixelType4BUI, PixelType8BSI, PixelType8BUI:
		return "Byte"
	case PixelType16BSI:
		return "Int16"
	case PixelType16BUI:
		return "UInt16"
	case PixelType32BSI:
		return "Int32"
	case PixelType32BUI:
		return "UInt32"
	case PixelType32BF:
		return "Float32"
	case PixelType64BF:
		return "Float64"
	}
	return ""
}
