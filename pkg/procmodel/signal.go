package procmodel

// Signal mirrors the subset of GDB target signals the original e-server
// defines (original_source/e-server/src/GdbServer.h's TargetSignal enum).
type Signal int

const (
	SignalNone Signal = 0
	SignalHup  Signal = 1
	SignalInt  Signal = 2
	SignalQuit Signal = 3
	SignalIll  Signal = 4
	SignalTrap Signal = 5
	SignalAbrt Signal = 6
	SignalEmt  Signal = 7
	SignalFpe  Signal = 8
	SignalKill Signal = 9
	SignalBus  Signal = 10
	SignalSegv Signal = 11
	SignalSys  Signal = 12
	SignalPipe Signal = 13
	SignalAlrm Signal = 14
	SignalTerm Signal = 15
)
