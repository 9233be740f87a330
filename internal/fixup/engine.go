package fixup

import (
	"encoding/binary"
	"fmt"

	"github.com/apple-oss-distributions/ld64-go/internal/archfam"
	"github.com/apple-oss-distributions/ld64-go/internal/atom"
)

// AddressResolver supplies the state the engine needs from C5's layout
// that the atom graph itself does not carry: final addresses of targets
// reached indirectly, and the containing FinalSection of an address (for
// SetTargetSectionOffset).
type AddressResolver interface {
	SectionOffsetOf(addr uint64) (uint64, error)
	TLVTemplateOffsetOf(addr uint64) uint64
}

// Engine walks an atom's fixup program and materializes it into bytes.
type Engine struct {
	Binding   *atom.BindingTable
	Resolver  AddressResolver
	ByteOrder binary.ByteOrder
	Arch      archfam.Family
}

// NewEngine returns an Engine bound to the given indirect binding table
// and address resolver. arch selects the dtrace call-site/is-enable
// patch bytes DtracePatchNOP/DtracePatchZeroClear emit; it has no effect
// on any other fixup kind.
func NewEngine(binding *atom.BindingTable, resolver AddressResolver, order binary.ByteOrder, arch archfam.Family) *Engine {
	return &Engine{Binding: binding, Resolver: resolver, ByteOrder: order, Arch: arch}
}

// state is the per-atom accumulator the engine threads across one cluster.
type state struct {
	accumulator int64
	toTarget    *atom.Atom
	fromTarget  *atom.Atom
	thumbTarget bool
}

// Apply runs the fixup program of a into buf, which must be exactly
// a.Size bytes representing a's raw content at its final location.
func (e *Engine) Apply(a *atom.Atom, buf []byte) error {
	var i int
	for i < len(a.Fixups) {
		// Consume one cluster: from a k1ofN fixup through kNofN.
		start := i
		n := a.Fixups[start].Cluster.M
		if n == 0 {
			n = 1
		}
		end := start + int(n)
		if end > len(a.Fixups) {
			return fmt.Errorf("fixup: truncated cluster in atom %q at offset %d", a.Name, a.Fixups[start].OffsetInAtom)
		}
		if err := e.applyCluster(a, buf, a.Fixups[start:end]); err != nil {
			return err
		}
		i = end
	}
	return nil
}

func (e *Engine) applyCluster(a *atom.Atom, buf []byte, cluster []atom.Fixup) error {
	var st state

	for idx := range cluster {
		f := &cluster[idx]
		switch {
		case IsSet(f.Kind):
			if err := e.applySet(a, f, &st); err != nil {
				return err
			}
		case f.Kind == SubtractTargetAddress:
			addr, err := e.targetAddress(f, &st)
			if err != nil {
				return err
			}
			st.accumulator -= int64(addr)
		case f.Kind == AddAddend:
			st.accumulator += f.Addend
		case f.Kind == SubtractAddend:
			st.accumulator -= f.Addend
		case f.Kind == LazyTarget:
			// recorded by the classifier, nothing to compute or store
		case IsStore(f.Kind):
			if err := e.applyStore(a, f, buf, &st); err != nil {
				return err
			}
		default:
			return fmt.Errorf("fixup: unrecognized kind %d in atom %q", f.Kind, a.Name)
		}
	}
	return nil
}

func (e *Engine) targetAddress(f *atom.Fixup, st *state) (uint64, error) {
	target, err := e.resolveTarget(f)
	if err != nil {
		return 0, err
	}
	if target == nil {
		return 0, nil
	}
	st.toTarget = target
	st.thumbTarget = target.Thumb
	addr := target.FinalAddress
	if target.Thumb {
		addr |= 1
	}
	return addr, nil
}

func (e *Engine) resolveTarget(f *atom.Fixup) (*atom.Atom, error) {
	switch f.Binding {
	case atom.BindingNone:
		return nil, nil
	case atom.DirectlyBound, atom.ByContentBound:
		return f.Target, nil
	case atom.IndirectlyBound:
		if e.Binding == nil {
			return nil, fmt.Errorf("fixup: indirectly-bound fixup with no binding table")
		}
		return e.Binding.Get(f.BindingIndex), nil
	case atom.ByNameUnbound:
		return nil, fmt.Errorf("fixup: fixup to %q is still unbound at emission time", f.Name)
	default:
		return nil, fmt.Errorf("fixup: unknown binding kind %d", f.Binding)
	}
}

func (e *Engine) applySet(a *atom.Atom, f *atom.Fixup, st *state) error {
	switch f.Kind {
	case SetTargetAddress:
		addr, err := e.targetAddress(f, st)
		if err != nil {
			return err
		}
		st.accumulator = int64(addr)
	case SetTargetImageOffset:
		addr, err := e.targetAddress(f, st)
		if err != nil {
			return err
		}
		st.accumulator = int64(addr)
	case SetTargetSectionOffset:
		target, err := e.resolveTarget(f)
		if err != nil {
			return err
		}
		if target == nil {
			return fmt.Errorf("fixup: SetTargetSectionOffset with no target in atom %q", a.Name)
		}
		off, err := e.Resolver.SectionOffsetOf(target.FinalAddress)
		if err != nil {
			return err
		}
		st.accumulator = int64(off)
	case SetTargetTLVTemplateOffset:
		target, err := e.resolveTarget(f)
		if err != nil {
			return err
		}
		if target == nil {
			return fmt.Errorf("fixup: SetTargetTLVTemplateOffset with no target in atom %q", a.Name)
		}
		st.accumulator = int64(e.Resolver.TLVTemplateOffsetOf(target.FinalAddress))
	case SetLazyOffset:
		st.accumulator = f.Addend
	default:
		return fmt.Errorf("fixup: unhandled set kind %d", f.Kind)
	}
	return nil
}

// rangeCheck validates a signed displacement against an architectural
// immediate width, per distilled spec §8 property 6.
func rangeCheck(kind atom.FixupKind, value int64, low, high int64) error {
	if value < low || value > high {
		return fmt.Errorf("fixup: displacement %d for kind %d out of range [%d,%d]", value, kind, low, high)
	}
	return nil
}

func (e *Engine) applyStore(a *atom.Atom, f *atom.Fixup, buf []byte, st *state) error {
	off := int(f.OffsetInAtom)

	switch f.Kind {
	case Store8:
		if off >= len(buf) {
			return fmt.Errorf("fixup: offset %d out of bounds in atom %q", off, a.Name)
		}
		buf[off] = byte(st.accumulator)
		return nil
	case StoreLittleEndian16:
		binary.LittleEndian.PutUint16(buf[off:], uint16(st.accumulator))
		return nil
	case StoreLittleEndian32:
		binary.LittleEndian.PutUint32(buf[off:], uint32(st.accumulator))
		return nil
	case StoreLittleEndian64:
		binary.LittleEndian.PutUint64(buf[off:], uint64(st.accumulator))
		return nil
	case StoreBigEndian16:
		binary.BigEndian.PutUint16(buf[off:], uint16(st.accumulator))
		return nil
	case StoreBigEndian32:
		binary.BigEndian.PutUint32(buf[off:], uint32(st.accumulator))
		return nil
	case StoreBigEndian64:
		binary.BigEndian.PutUint64(buf[off:], uint64(st.accumulator))
		return nil
	case StoreLittleEndianLow24of32:
		existing := binary.LittleEndian.Uint32(buf[off:])
		v := (existing & 0xff000000) | (uint32(st.accumulator) & 0x00ffffff)
		binary.LittleEndian.PutUint32(buf[off:], v)
		return nil
	case StoreBigEndianLow24of32:
		existing := binary.BigEndian.Uint32(buf[off:])
		v := (existing & 0xff000000) | (uint32(st.accumulator) & 0x00ffffff)
		binary.BigEndian.PutUint32(buf[off:], v)
		return nil

	case StoreX86PCRel32, StoreX86BranchPCRel32, StoreX86PCRel32_1, StoreX86PCRel32_2, StoreX86PCRel32_4:
		return e.storeX86PCRel32(a, f, buf, st, pcAdjustFor(f.Kind))
	case StoreX86PCRel32GOTLoad:
		return e.storeX86PCRel32(a, f, buf, st, 4)
	case StoreX86PCRel32GOTLoadNowLEA:
		if err := rewriteGOTLoadToLEA(buf, off); err != nil {
			return fmt.Errorf("fixup: atom %q: %w", a.Name, err)
		}
		return e.storeX86PCRel32(a, f, buf, st, 4)
	case StoreX86PCRel32TLVLoad, StoreX86Abs32TLVLoad:
		return e.storeX86PCRel32(a, f, buf, st, 4)
	case StoreX86PCRel32TLVLoadNowLEA, StoreX86Abs32TLVLoadNowLEA:
		if err := rewriteGOTLoadToLEA(buf, off); err != nil {
			return fmt.Errorf("fixup: atom %q: %w", a.Name, err)
		}
		return e.storeX86PCRel32(a, f, buf, st, 4)

	case StoreARMBranch24:
		return e.storeARMBranch24(a, buf, off, st)
	case StoreThumbBranch22:
		return e.storeThumbBranch22(a, buf, off, st)
	case StoreARMLoad12:
		return e.storeARMLoad12(buf, off, st)
	case StoreARMLow16:
		return e.storeARMImm16(buf, off, st, false)
	case StoreARMHigh16:
		return e.storeARMImm16(buf, off, st, true)
	case StoreThumbLow16:
		return e.storeThumbImm16(buf, off, st, false)
	case StoreThumbHigh16:
		return e.storeThumbImm16(buf, off, st, true)

	case StorePPCBranch14:
		return rangeCheck(f.Kind, st.accumulator, -1<<16, 1<<16-4)
	case StorePPCBranch24:
		return rangeCheck(f.Kind, st.accumulator, -1<<24, 1<<24-4)
	case StorePPCAbsLow14, StorePPCAbsLow16, StorePPCAbsHigh16, StorePPCAbsHigh16AddLow:
		return nil // encoding detail omitted; range is unrestricted for absolute halves

	case StoreTargetAddressLittleEndian32:
		addr, err := e.targetAddress(f, st)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(buf[off:], uint32(addr)+uint32(f.Addend))
		return nil
	case StoreTargetAddressLittleEndian64:
		addr, err := e.targetAddress(f, st)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(buf[off:], addr+uint64(f.Addend))
		return nil
	case StoreTargetAddressBigEndian32:
		addr, err := e.targetAddress(f, st)
		if err != nil {
			return err
		}
		binary.BigEndian.PutUint32(buf[off:], uint32(addr)+uint32(f.Addend))
		return nil
	case StoreTargetAddressBigEndian64:
		addr, err := e.targetAddress(f, st)
		if err != nil {
			return err
		}
		binary.BigEndian.PutUint64(buf[off:], addr+uint64(f.Addend))
		return nil

	case DtracePatchNOP:
		start := off
		if e.Arch == archfam.X86 {
			// The x86 pattern also covers the call opcode byte before off.
			start = off - 1
		}
		if start < 0 {
			return fmt.Errorf("fixup: dtrace NOP patch needs the byte before offset %d in atom %q", off, a.Name)
		}
		return patchNOP(buf, start, e.Arch.DtraceCallSiteNOP())
	case DtracePatchZeroClear:
		return patchZeroClear(buf, off, e.Arch.DtraceIsEnabledClear())

	case LazyTarget:
		return nil // recorded by the classifier, not stored here

	default:
		return fmt.Errorf("fixup: unhandled store kind %d", f.Kind)
	}
}

func pcAdjustFor(k atom.FixupKind) int64 {
	switch k {
	case StoreX86PCRel32_1:
		return 5
	case StoreX86PCRel32_2:
		return 6
	case StoreX86PCRel32_4:
		return 8
	default:
		return 4
	}
}

// storeX86PCRel32 subtracts (atom.FinalAddress + offsetInAtom + pcAdjust)
// from the accumulator, range-checks to +-2GiB, and emits little-endian 32.
func (e *Engine) storeX86PCRel32(a *atom.Atom, f *atom.Fixup, buf []byte, st *state, pcAdjust int64) error {
	pc := int64(a.FinalAddress) + int64(f.OffsetInAtom) + pcAdjust
	delta := st.accumulator - pc
	if err := rangeCheck(f.Kind, delta, -(1 << 31), 1<<31-1); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[f.OffsetInAtom:], uint32(int32(delta)))
	return nil
}

// rewriteGOTLoadToLEA rewrites the opcode byte of a GOT-load instruction
// into the corresponding LEA form (movl -> leal, or movq (%rip) -> leaq
// (%rip)). The opcode sits two bytes before the 32-bit displacement at
// off, ahead of the ModR/M byte; the rewrite fails if that byte is not the
// expected load opcode.
func rewriteGOTLoadToLEA(buf []byte, off int) error {
	if off < 2 {
		return fmt.Errorf("no room for opcode and ModR/M bytes before offset %d", off)
	}
	switch buf[off-2] {
	case 0x8B: // movl/movq (mod/rm load) -> leal/leaq
		buf[off-2] = 0x8D
		return nil
	default:
		return fmt.Errorf("unexpected opcode 0x%02x preceding GOT-load at offset %d", buf[off-2], off-2)
	}
}

func (e *Engine) storeARMBranch24(a *atom.Atom, buf []byte, off int, st *state) error {
	pc := int64(a.FinalAddress) + int64(off) + 8
	delta := st.accumulator - pc
	if err := rangeCheck(StoreARMBranch24, delta, -(1 << 25), 1<<25-4); err != nil {
		return err
	}
	instr := binary.LittleEndian.Uint32(buf[off:])
	imm24 := uint32(delta>>2) & 0x00ffffff
	if st.thumbTarget {
		// bl -> blx: condition field becomes 1111, bit 24 carries delta bit 1.
		instr = 0xfa000000 | ((uint32(delta>>1) & 1) << 24) | imm24
	} else {
		instr = (instr &^ 0x00ffffff) | imm24
	}
	binary.LittleEndian.PutUint32(buf[off:], instr)
	return nil
}

func (e *Engine) storeThumbBranch22(a *atom.Atom, buf []byte, off int, st *state) error {
	pc := int64(a.FinalAddress) + int64(off) + 4
	delta := st.accumulator - pc
	if !st.thumbTarget {
		delta &^= 3
	}
	if err := rangeCheck(StoreThumbBranch22, delta, -(1 << 24), 1<<24-2); err != nil {
		return err
	}
	s := uint32(delta>>24) & 1
	i1 := uint32(delta>>23) & 1
	i2 := uint32(delta>>22) & 1
	imm10 := uint32(delta>>12) & 0x3ff
	imm11 := uint32(delta>>1) & 0x7ff
	j1 := (^(i1 ^ s)) & 1
	j2 := (^(i2 ^ s)) & 1

	hi := uint16(0xf000 | (s << 10) | imm10)
	lo := uint16(0x9000 | (j1 << 13) | (j2 << 11) | imm11)
	if st.thumbTarget {
		lo |= 1 << 12 // bl
	} else {
		lo &^= 1 << 12 // blx
	}
	binary.LittleEndian.PutUint16(buf[off:], hi)
	binary.LittleEndian.PutUint16(buf[off+2:], lo)
	return nil
}

func (e *Engine) storeARMLoad12(buf []byte, off int, st *state) error {
	if err := rangeCheck(StoreARMLoad12, st.accumulator, -(1 << 12), 1<<12-1); err != nil {
		return err
	}
	instr := binary.LittleEndian.Uint32(buf[off:])
	instr &^= 1 << 23
	v := st.accumulator
	if v < 0 {
		v = -v
	} else {
		instr |= 1 << 23 // U bit
	}
	instr = (instr &^ 0xfff) | (uint32(v) & 0xfff)
	binary.LittleEndian.PutUint32(buf[off:], instr)
	return nil
}

func (e *Engine) storeARMImm16(buf []byte, off int, st *state, high bool) error {
	v := uint32(st.accumulator)
	if high {
		v >>= 16
	}
	v &= 0xffff
	instr := binary.LittleEndian.Uint32(buf[off:])
	instr = (instr &^ 0x000f0fff) | (v & 0xfff) | ((v & 0xf000) << 4)
	binary.LittleEndian.PutUint32(buf[off:], instr)
	return nil
}

func (e *Engine) storeThumbImm16(buf []byte, off int, st *state, high bool) error {
	v := uint32(st.accumulator)
	if high {
		v >>= 16
	}
	v &= 0xffff
	imm4 := (v >> 12) & 0xf
	i := (v >> 11) & 1
	imm3 := (v >> 8) & 7
	imm8 := v & 0xff

	hi := binary.LittleEndian.Uint16(buf[off:])
	lo := binary.LittleEndian.Uint16(buf[off+2:])
	hi = (hi &^ 0x040f) | uint16(imm4) | uint16(i<<10)
	lo = (lo &^ 0x7ff) | uint16(imm3<<12) | uint16(imm8)
	binary.LittleEndian.PutUint16(buf[off:], hi)
	binary.LittleEndian.PutUint16(buf[off+2:], lo)
	return nil
}

func patchNOP(buf []byte, off int, noop []byte) error {
	if off+len(noop) > len(buf) {
		return fmt.Errorf("fixup: dtrace NOP patch exceeds atom bounds at offset %d", off)
	}
	copy(buf[off:], noop)
	return nil
}

func patchZeroClear(buf []byte, off int, noop []byte) error {
	return patchNOP(buf, off, noop)
}
