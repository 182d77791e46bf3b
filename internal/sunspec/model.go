package sunspec

import "math"

// meterFloatOffsets gives each field's register offset from baseMeterData
// in the float model (M213), where every field occupies two registers.
// Grounded on the int+SF offsets below, doubled and stripped of the
// shared scale-factor registers a float model has no need for.
var meterFloatOffsets = struct {
	A, APhA, APhB, APhC                   uint16
	PhV, PhVPhA, PhVPhB, PhVPhC            uint16
	PPV, PPVPhAB, PPVPhBC, PPVPhCA         uint16
	Hz                                     uint16
	W, WPhA, WPhB, WPhC                    uint16
	VA, VAPhA, VAPhB, VAPhC                uint16
	VAR, VARPhA, VARPhB, VARPhC            uint16
	PF, PFPhA, PFPhB, PFPhC                uint16
	TotWhImp                              uint16
}{
	A: 0, APhA: 2, APhB: 4, APhC: 6,
	PhV: 8, PhVPhA: 10, PhVPhB: 12, PhVPhC: 14,
	PPV: 16, PPVPhAB: 18, PPVPhBC: 20, PPVPhCA: 22,
	Hz: 24,
	W: 26, WPhA: 28, WPhB: 30, WPhC: 32,
	VA: 34, VAPhA: 36, VAPhB: 38, VAPhC: 40,
	VAR: 42, VARPhA: 44, VARPhB: 46, VARPhC: 48,
	PF: 50, PFPhA: 52, PFPhB: 54, PFPhC: 56,
	TotWhImp: 66,
}

// meterIntSFOffsets gives each field's register offset from baseMeterData
// in the int+scale-factor model (M203). Grounded on the offsets implied
// by berfenger's ACMeterIntSFModbusReader, which reads W at data-offset
// 16, W_SF at 20, PhVphA at 6, V_SF at 13, Hz at 14/15, TotWhImp at 44,
// and TotWh_SF at 52 relative to the same base this package uses.
var meterIntSFOffsets = struct {
	A, APhA, APhB, APhC, ASF               uint16
	PhV, PhVPhA, PhVPhB, PhVPhC             uint16
	PPV, PPVPhAB, PPVPhBC, PPVPhCA, VSF     uint16
	Hz, HzSF                                uint16
	W, WPhA, WPhB, WPhC, WSF                uint16
	VA, VAPhA, VAPhB, VAPhC, VASF           uint16
	VAR, VARPhA, VARPhB, VARPhC, VARSF      uint16
	PF, PFPhA, PFPhB, PFPhC, PFSF           uint16
	TotWhImp, TotWhSF                       uint16
}{
	A: 0, APhA: 1, APhB: 2, APhC: 3, ASF: 4,
	PhV: 5, PhVPhA: 6, PhVPhB: 7, PhVPhC: 8,
	PPV: 9, PPVPhAB: 10, PPVPhBC: 11, PPVPhCA: 12, VSF: 13,
	Hz: 14, HzSF: 15,
	W: 16, WPhA: 17, WPhB: 18, WPhC: 19, WSF: 20,
	VA: 21, VAPhA: 22, VAPhB: 23, VAPhC: 24, VASF: 25,
	VAR: 26, VARPhA: 27, VARPhB: 28, VARPhC: 29, VARSF: 30,
	PF: 31, PFPhA: 32, PFPhB: 33, PFPhC: 34, PFSF: 35,
	TotWhImp: 44, TotWhSF: 52,
}

// decimals is the recommended fixed-point precision per field class for
// the int+SF model (voltages 1, currents 3, power 0, power-factor 0 as a
// percent, frequency 2, energy 1).
const (
	decimalsCurrent = 3
	decimalsVoltage = 1
	decimalsPower   = 0
	decimalsPF      = 0
	decimalsFreq    = 2
	decimalsEnergy  = 1
)

func packIntSF(b *Bank, offset uint16, sfOffset uint16, value float64, decimals int) {
	raw := int32(math.Round(value * math.Pow10(decimals)))
	b.writeInt16(baseMeterData+offset, int16(raw))
	b.writeInt16(baseMeterData+sfOffset, int16(-decimals))
}

// packAcc32 writes a SunSpec acc32 field: an unsigned 32-bit accumulator
// across two registers holding watt-hours with decimalsEnergy fixed-point
// digits, paired with a scale factor register set to -decimalsEnergy.
func packAcc32(b *Bank, offset uint16, sfOffset uint16, wattHours float64) {
	b.writeUint32(baseMeterData+offset, uint32(math.Round(wattHours*math.Pow10(decimalsEnergy))))
	b.writeInt16(baseMeterData+sfOffset, -decimalsEnergy)
}

func packFloat(b *Bank, offset uint16, value float64) {
	b.writeFloat32(baseMeterData+offset, float32(value))
}
