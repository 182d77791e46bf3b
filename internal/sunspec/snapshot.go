package sunspec

import (
	"sync/atomic"

	"github.com/NotCoffee418/meterbridge/internal/obis"
)

// Snapshot publishes a *Bank through an atomic pointer so serving
// goroutines can load a consistent, never-mutated-in-place view while a
// single writer installs new banks as readings arrive.
type Snapshot struct {
	slaveID       uint16
	useFloatModel bool
	ptr           atomic.Pointer[Bank]
	deviceUpdated atomic.Bool
}

// NewSnapshot builds the initial zeroed-but-header-formatted bank and
// publishes it.
func NewSnapshot(slaveID uint16, useFloatModel bool) *Snapshot {
	s := &Snapshot{slaveID: slaveID, useFloatModel: useFloatModel}
	s.ptr.Store(NewBank(slaveID, useFloatModel))
	return s
}

// Load returns the currently published bank. Callers must not mutate the
// result; it may be concurrently shared with other readers.
func (s *Snapshot) Load() *Bank {
	return s.ptr.Load()
}

// UpdateValues clones the current bank, overwrites the meter-model value
// fields from v, and atomically installs the result. This is the only
// path by which readings become visible to serving goroutines.
func (s *Snapshot) UpdateValues(v obis.Values) {
	b := s.Load().Clone()

	energyWh := v.EnergyKWh * 1000
	powerFactorPct := func(pf float64) float64 { return pf * 100 }

	if s.useFloatModel {
		o := meterFloatOffsets
		packFloat(b, o.A, v.Current)
		packFloat(b, o.APhA, v.Phase1.Current)
		packFloat(b, o.APhB, v.Phase2.Current)
		packFloat(b, o.APhC, v.Phase3.Current)
		packFloat(b, o.PhV, v.PhVoltage)
		packFloat(b, o.PhVPhA, v.Phase1.PhVoltage)
		packFloat(b, o.PhVPhB, v.Phase2.PhVoltage)
		packFloat(b, o.PhVPhC, v.Phase3.PhVoltage)
		packFloat(b, o.PPV, v.PpVoltage)
		packFloat(b, o.PPVPhAB, v.Phase1.PpVoltage)
		packFloat(b, o.PPVPhBC, v.Phase2.PpVoltage)
		packFloat(b, o.PPVPhCA, v.Phase3.PpVoltage)
		packFloat(b, o.Hz, v.Frequency)
		packFloat(b, o.W, v.ActivePower)
		packFloat(b, o.WPhA, v.Phase1.ActivePower)
		packFloat(b, o.WPhB, v.Phase2.ActivePower)
		packFloat(b, o.WPhC, v.Phase3.ActivePower)
		packFloat(b, o.VA, v.ApparentPower)
		packFloat(b, o.VAPhA, v.Phase1.ApparentPower)
		packFloat(b, o.VAPhB, v.Phase2.ApparentPower)
		packFloat(b, o.VAPhC, v.Phase3.ApparentPower)
		packFloat(b, o.VAR, v.ReactivePower)
		packFloat(b, o.VARPhA, v.Phase1.ReactivePower)
		packFloat(b, o.VARPhB, v.Phase2.ReactivePower)
		packFloat(b, o.VARPhC, v.Phase3.ReactivePower)
		packFloat(b, o.PF, powerFactorPct(v.PowerFactor))
		packFloat(b, o.PFPhA, powerFactorPct(v.Phase1.PowerFactor))
		packFloat(b, o.PFPhB, powerFactorPct(v.Phase2.PowerFactor))
		packFloat(b, o.PFPhC, powerFactorPct(v.Phase3.PowerFactor))
		packFloat(b, o.TotWhImp, energyWh)
	} else {
		o := meterIntSFOffsets
		packIntSF(b, o.A, o.ASF, v.Current, decimalsCurrent)
		packIntSF(b, o.APhA, o.ASF, v.Phase1.Current, decimalsCurrent)
		packIntSF(b, o.APhB, o.ASF, v.Phase2.Current, decimalsCurrent)
		packIntSF(b, o.APhC, o.ASF, v.Phase3.Current, decimalsCurrent)
		packIntSF(b, o.PhV, o.VSF, v.PhVoltage, decimalsVoltage)
		packIntSF(b, o.PhVPhA, o.VSF, v.Phase1.PhVoltage, decimalsVoltage)
		packIntSF(b, o.PhVPhB, o.VSF, v.Phase2.PhVoltage, decimalsVoltage)
		packIntSF(b, o.PhVPhC, o.VSF, v.Phase3.PhVoltage, decimalsVoltage)
		packIntSF(b, o.PPV, o.VSF, v.PpVoltage, decimalsVoltage)
		packIntSF(b, o.PPVPhAB, o.VSF, v.Phase1.PpVoltage, decimalsVoltage)
		packIntSF(b, o.PPVPhBC, o.VSF, v.Phase2.PpVoltage, decimalsVoltage)
		packIntSF(b, o.PPVPhCA, o.VSF, v.Phase3.PpVoltage, decimalsVoltage)
		packIntSF(b, o.Hz, o.HzSF, v.Frequency, decimalsFreq)
		packIntSF(b, o.W, o.WSF, v.ActivePower, decimalsPower)
		packIntSF(b, o.WPhA, o.WSF, v.Phase1.ActivePower, decimalsPower)
		packIntSF(b, o.WPhB, o.WSF, v.Phase2.ActivePower, decimalsPower)
		packIntSF(b, o.WPhC, o.WSF, v.Phase3.ActivePower, decimalsPower)
		packIntSF(b, o.VA, o.VASF, v.ApparentPower, decimalsPower)
		packIntSF(b, o.VAPhA, o.VASF, v.Phase1.ApparentPower, decimalsPower)
		packIntSF(b, o.VAPhB, o.VASF, v.Phase2.ApparentPower, decimalsPower)
		packIntSF(b, o.VAPhC, o.VASF, v.Phase3.ApparentPower, decimalsPower)
		packIntSF(b, o.VAR, o.VARSF, v.ReactivePower, decimalsPower)
		packIntSF(b, o.VARPhA, o.VARSF, v.Phase1.ReactivePower, decimalsPower)
		packIntSF(b, o.VARPhB, o.VARSF, v.Phase2.ReactivePower, decimalsPower)
		packIntSF(b, o.VARPhC, o.VARSF, v.Phase3.ReactivePower, decimalsPower)
		packIntSF(b, o.PF, o.PFSF, powerFactorPct(v.PowerFactor), decimalsPF)
		packIntSF(b, o.PFPhA, o.PFSF, powerFactorPct(v.Phase1.PowerFactor), decimalsPF)
		packIntSF(b, o.PFPhB, o.PFSF, powerFactorPct(v.Phase2.PowerFactor), decimalsPF)
		packIntSF(b, o.PFPhC, o.PFSF, powerFactorPct(v.Phase3.PowerFactor), decimalsPF)
		packAcc32(b, o.TotWhImp, o.TotWhSF, energyWh)
	}

	s.ptr.Store(b)
}

// UpdateDevice clones the current bank and fills the C001 MN/MD/VR/SN
// string fields exactly once; subsequent calls after the first successful
// fill are no-ops, mirroring a real meter's identity never changing mid
// connection.
func (s *Snapshot) UpdateDevice(d obis.Device) error {
	if s.deviceUpdated.Load() {
		return nil
	}

	b := s.Load().Clone()
	if err := b.writeString(baseC001+4, 16, d.Manufacturer); err != nil {
		return err
	}
	if err := b.writeString(baseC001+20, 16, d.Model); err != nil {
		return err
	}
	if err := b.writeString(baseC001+36, 8, d.Options); err != nil {
		return err
	}
	if err := b.writeString(baseC001+44, 8, d.Firmware); err != nil {
		return err
	}
	if err := b.writeString(baseC001+52, 16, d.SerialNumber); err != nil {
		return err
	}

	s.ptr.Store(b)
	s.deviceUpdated.Store(true)
	return nil
}
