//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package compiledcode

// InvocationEntryBCI is the entry bci of a normal, non on-stack-replacement,
// compilation.
const InvocationEntryBCI = -1

type Flags struct {
	HasMonitors            bool
	HasWideVectors         bool
	HasUnsafeAccess        bool
	HasMethodHandleInvokes bool
}

const (
	flagHasMonitors uint32 = 1 << iota
	flagHasWideVectors
	flagHasUnsafeAccess
	flagHasMethodHandleInvokes
)

func (f Flags) Word() uint32 {
	var w uint32
	if f.HasMonitors {
		w |= flagHasMonitors
	}
	if f.HasWideVectors {
		w |= flagHasWideVectors
	}
	if f.HasUnsafeAccess {
		w |= flagHasUnsafeAccess
	}
	if f.HasMethodHandleInvokes {
		w |= flagHasMethodHandleInvokes
	}
	return w
}

func FlagsFromWord(w uint32) Flags {
	return Flags{
		HasMonitors:            w&flagHasMonitors != 0,
		HasWideVectors:         w&flagHasWideVectors != 0,
		HasUnsafeAccess:        w&flagHasUnsafeAccess != 0,
		HasMethodHandleInvokes: w&flagHasMethodHandleInvokes != 0,
	}
}

// OopMap describes which stack slots and registers hold references at a
// given pc.
type OopMap struct {
	PCOffset   int        `msgpack:"pc"`
	FrameSlots int        `msgpack:"frame_slots"`
	Oops       []int32    `msgpack:"oops"`
	Narrow     []int32    `msgpack:"narrow,omitempty"`
	Derived    [][2]int32 `msgpack:"derived,omitempty"`
}

type ExceptionHandler struct {
	ScopePC    int `msgpack:"scope_pc"`
	HandlerBCI int `msgpack:"handler_bci"`
	HandlerPC  int `msgpack:"handler_pc"`
	ScopeDepth int `msgpack:"scope_depth"`
}

type ImplicitNullCheck struct {
	ExecOffset int `msgpack:"exec"`
	ContOffset int `msgpack:"cont"`
}

// InstalledSection is a code section after it has been placed into the
// executable code store.
type InstalledSection struct {
	Index  int
	Base   uint64
	Code   []byte
	Origin uint64
}

type RoutineKind uint8

const (
	RoutineStub RoutineKind = iota
	RoutineBlob
	RoutineMethod
)

func (k RoutineKind) String() string {
	switch k {
	case RoutineStub:
		return "stub"
	case RoutineBlob:
		return "blob"
	default:
		return "method"
	}
}

// Routine is a relocated unit of code ready to be registered in the
// executable code store.
type Routine struct {
	Kind      RoutineKind
	Name      string
	Method    *Method
	CompileID int
	EntryBCI  int
	CompLevel int

	Sections []InstalledSection
	// Objects and Metadata are the resolved handles of the routine's object
	// and metadata tables, in recording order.
	Objects  []uint64
	Metadata []uint64

	DebugInfo    []byte
	Dependencies []byte
	OopMaps      []OopMap
	Handlers     []ExceptionHandler
	NullChecks   []ImplicitNullCheck
	CodeOffsets  map[string]int

	OrigPCOffset int
	FrameSize    int
	Flags        Flags

	// PCOffset is only set for exception blobs.
	PCOffset int
	// Preloaded is set when the routine was installed ahead of any
	// compilation request.
	Preloaded bool
}

func (r *Routine) Section(index int) *InstalledSection {
	for i := range r.Sections {
		if r.Sections[i].Index == index {
			return &r.Sections[i]
		}
	}
	return nil
}

// EntryPoint is the address of the first instruction.
func (r *Routine) EntryPoint() uint64 {
	if s := r.Section(SectionInsts); s != nil {
		return s.Base
	}
	if len(r.Sections) > 0 {
		return r.Sections[0].Base
	}
	return 0
}

// Region is memory handed out by the executable code store. Code is
// writable until the routine using it is installed.
type Region struct {
	Address uint64
	Code    []byte
}
