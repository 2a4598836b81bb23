package audio

import (
	"encoding/binary"

	"audiocode-go/x/mathx"
)

// ADCMidpoint is the zero level of a 12-bit unipolar ADC code.
const ADCMidpoint = 2048

// FromADC12 centres a 12-bit code and scales it to the int16 range.
func FromADC12(raw uint16) int16 {
	v := (int32(raw) - ADCMidpoint) * 16
	return int16(mathx.Clamp(v, -32768, 32767))
}

// FromADC16 handles providers that report codes left-justified to 16 bits
// (TinyGo's machine.ADC.Get).
func FromADC16(raw uint16) int16 { return FromADC12(raw >> 4) }

// PutPCM encodes samples as signed 16-bit little-endian into dst and
// returns the number of bytes written. dst must hold 2*len(src) bytes.
func PutPCM(dst []byte, src []int16) int {
	for i, s := range src {
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(s))
	}
	return 2 * len(src)
}

// EncodePCM returns samples as s16le bytes.
func EncodePCM(src []int16) []byte {
	b := make([]byte, 2*len(src))
	PutPCM(b, src)
	return b
}

// DecodePCM decodes s16le bytes; a trailing odd byte is ignored.
func DecodePCM(dst []int16, src []byte) int {
	n := len(src) / 2
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(src[2*i:]))
	}
	return n
}
