package goble

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/go-ble/ble"
)

// Pulse Oximeter profile identifiers.
var (
	PLXServiceUUID    = ble.UUID16(0x1822)
	PLXSpotCheckUUID  = ble.UUID16(0x2A5E)
	PLXContinuousUUID = ble.UUID16(0x2A5F)
)

var (
	ErrShortPLXMeasurement   = errors.New("PLX measurement too short")
	ErrInvalidPLXMeasurement = errors.New("PLX measurement carries no valid reading")
)

// PLXReading is a decoded oximeter measurement.
type PLXReading struct {
	SpO2      float64
	PulseRate float64
}

// SFloat decodes an IEEE 11073 16-bit SFLOAT. Special values (NaN, NRes,
// reserved and both infinities) decode to NaN or ±Inf.
func SFloat(raw uint16) float64 {
	switch raw {
	case 0x07FF, 0x0800, 0x0801:
		return math.NaN()
	case 0x07FE:
		return math.Inf(1)
	case 0x0802:
		return math.Inf(-1)
	}

	mantissa := int32(raw & 0x0FFF)
	if mantissa >= 0x0800 {
		mantissa -= 0x1000
	}
	exponent := int32(raw >> 12)
	if exponent >= 0x8 {
		exponent -= 0x10
	}
	return float64(mantissa) * math.Pow10(int(exponent))
}

// ParsePLX decodes the leading SpO2 and pulse rate fields shared by the spot
// check (0x2A5E) and continuous (0x2A5F) characteristics. Optional trailing
// fields are ignored.
func ParsePLX(data []byte) (PLXReading, error) {
	if len(data) < 5 {
		return PLXReading{}, ErrShortPLXMeasurement
	}
	r := PLXReading{
		SpO2:      SFloat(binary.LittleEndian.Uint16(data[1:3])),
		PulseRate: SFloat(binary.LittleEndian.Uint16(data[3:5])),
	}
	if math.IsNaN(r.SpO2) || math.IsInf(r.SpO2, 0) {
		return r, ErrInvalidPLXMeasurement
	}
	return r, nil
}
