package procmodel

// Register layout constants, taken verbatim from
// original_source/e-server/src/GdbServer.h: 64 GPRs followed by 42 SCRs
// (special/control registers), indexed by their hardware offset within
// the control-register window (spec.md §4.G).
const (
	NumGPRs = 64
	NumSCRs = 42
	NumRegs = NumGPRs + NumSCRs

	RegBytes = 4 // each register is 4 bytes, little-endian on the wire
)

// Named GPR numbers.
const (
	R0RegNum = 0
	RVRegNum = 0 // return value alias for R0
	SBRegNum = 9
	SLRegNum = 10
	FPRegNum = 11
	IPRegNum = 12
	SPRegNum = 13
	LRRegNum = 14
)

// Named SCR numbers, offset by NumGPRs.
const (
	ConfigRegNum      = NumGPRs + 0
	StatusRegNum      = NumGPRs + 1
	PCRegNum          = NumGPRs + 2
	DebugStatusRegNum = NumGPRs + 3
	IRETRegNum        = NumGPRs + 7
	IMaskRegNum       = NumGPRs + 8
	ILatRegNum        = NumGPRs + 9
	FStatusRegNum     = NumGPRs + 13
	DebugCmdRegNum    = NumGPRs + 14
	ResetCoreRegNum   = NumGPRs + 15
	CoreIDRegNum      = NumGPRs + 37
)

// RegisterFile is the 106-register bank of a single thread (core),
// encoded/decoded as 4-byte little-endian words in RSP g/G/p/P packets.
// It also implements pkg/isa.Registers so the decoder can resolve
// register-indirect control transfers.
type RegisterFile struct {
	Regs [NumRegs]uint32
}

// GPR implements pkg/isa.Registers.
func (r *RegisterFile) GPR(n uint8) uint32 { return r.Regs[n] }

// LinkRegister implements pkg/isa.Registers.
func (r *RegisterFile) LinkRegister() uint32 { return r.Regs[LRRegNum] }

// IRET implements pkg/isa.Registers.
func (r *RegisterFile) IRET() uint32 { return r.Regs[IRETRegNum] }

// PC returns the program counter SCR.
func (r *RegisterFile) PC() uint32 { return r.Regs[PCRegNum] }

// SetPC sets the program counter SCR.
func (r *RegisterFile) SetPC(v uint32) { r.Regs[PCRegNum] = v }

// DebugStatus returns the debug-status SCR, polled by the controller to
// detect a halt (spec.md §4.E's haltAll).
func (r *RegisterFile) DebugStatus() uint32 { return r.Regs[DebugStatusRegNum] }
