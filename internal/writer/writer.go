// Package writer materializes a laid-out, fixed-up image to disk: it
// allocates the exact-size output buffer, applies every atom's fixups,
// fills architecture no-op gaps, computes the content UUID, and performs
// the final file write.
package writer

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/apple-oss-distributions/ld64-go/internal/atom"
	"github.com/apple-oss-distributions/ld64-go/internal/fixup"
	"github.com/google/uuid"
)

// Image is the fully laid-out, not-yet-serialized link output: a flat
// byte buffer sized to the file, the atoms placed within it, and the
// header/load-command bytes already written into the buffer's prefix.
type Image struct {
	Size       uint64
	HeaderSize uint64
	Atoms      []*atom.Atom
	NoopFill   []byte // architecture no-op instruction, repeated to pad inter-atom gaps

	// HeaderBytes is the already-assembled mach_header plus load commands,
	// copied into the buffer's prefix ahead of any atom placement.
	HeaderBytes []byte

	// LinkEditBytes is the already-assembled __LINKEDIT content (symtab,
	// strtab, indirect symtab, dyld rebase/bind/export info), copied into
	// the buffer at LinkEditOffset after every atom is placed so the
	// content UUID digest covers it too.
	LinkEditBytes []byte
	LinkEditOffset uint64
}

// Writer drives one image's fixup application and final file write.
type Writer struct {
	Engine *fixup.Engine
}

func NewWriter(engine *fixup.Engine) *Writer {
	return &Writer{Engine: engine}
}

// Write allocates buf (exactly img.Size bytes), copies and fixes up
// every atom into its FinalAddress-derived offset, fills unused gaps
// with the architecture's no-op pattern, stamps the content-derived
// UUID into uuidSlot (an already-reserved 16-byte range within buf),
// and writes the result to path. Threaded with a context because a
// multi-hundred-MB linked image write is the one genuinely long-running,
// cancelable operation in the pipeline.
func (w *Writer) Write(ctx context.Context, img *Image, uuidSlot uint64, path string) error {
	buf := make([]byte, img.Size)
	if len(img.HeaderBytes) > 0 {
		if uint64(len(img.HeaderBytes)) > img.Size {
			return fmt.Errorf("header bytes overrun output buffer")
		}
		copy(buf, img.HeaderBytes)
	}
	w.fillNoops(buf, img)

	for _, a := range img.Atoms {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := w.placeAtom(buf, a); err != nil {
			return fmt.Errorf("failed to write atom %s: %v", a.Name, err)
		}
	}

	if len(img.LinkEditBytes) > 0 {
		end := img.LinkEditOffset + uint64(len(img.LinkEditBytes))
		if end > img.Size {
			return fmt.Errorf("linkedit bytes overrun output buffer")
		}
		copy(buf[img.LinkEditOffset:end], img.LinkEditBytes)
	}

	id := contentUUID(buf, uuidSlot)
	copy(buf[uuidSlot:uuidSlot+16], id[:])

	return writeFile(path, buf)
}

// fillNoops pads the gap preceding each placed atom with the
// architecture's no-op pattern, but only when that gap is non-empty and
// the previous atom (in file-offset order) belonged to a code section:
// data gaps are left at their natural zero fill, and the very first
// atom's leading gap (the header/load-commands region) is never
// no-op-padded. This mirrors OutputFile::copyNoOps's call site, which
// tracks whether the section just walked was typeCode and only then
// bridges the distance to the next atom.
func (w *Writer) fillNoops(buf []byte, img *Image) {
	if len(img.NoopFill) == 0 {
		return
	}
	atoms := make([]*atom.Atom, 0, len(img.Atoms))
	for _, a := range img.Atoms {
		if a.Definition == atom.Proxy {
			continue
		}
		atoms = append(atoms, a)
	}
	sort.Slice(atoms, func(i, j int) bool { return atoms[i].SectionOffset < atoms[j].SectionOffset })

	var prevEnd uint64
	var prevWasCode bool
	for _, a := range atoms {
		off := a.SectionOffset
		if off > prevEnd && prevWasCode {
			w.fillGap(buf, prevEnd, off, img.NoopFill)
		}
		prevEnd = off + a.Size
		prevWasCode = a.Section != nil && a.Section.Type == atom.KindCode
	}
}

func (w *Writer) fillGap(buf []byte, from, to uint64, pattern []byte) {
	if to > uint64(len(buf)) {
		to = uint64(len(buf))
	}
	for i := from; i < to; i += uint64(len(pattern)) {
		n := uint64(len(pattern))
		if i+n > to {
			n = to - i
		}
		copy(buf[i:i+n], pattern)
	}
}

func (w *Writer) placeAtom(buf []byte, a *atom.Atom) error {
	if a.Content == nil {
		return nil
	}
	content, err := a.Content.Bytes()
	if err != nil {
		// zero-fill atoms carry no bytes by design; nothing to place.
		return nil
	}
	off := a.SectionOffset
	if off+uint64(len(content)) > uint64(len(buf)) {
		return fmt.Errorf("atom %s content overruns output buffer", a.Name)
	}
	copy(buf[off:], content)
	if w.Engine != nil && len(a.Fixups) > 0 {
		return w.Engine.Apply(a, buf[off:off+a.Size])
	}
	return nil
}

// contentUUID computes a content-derived UUID the way ld64 does: an MD5
// digest of the final image bytes excluding the UUID slot itself (any
// N_OSO stabs are excluded upstream of this call, since they encode a
// local build path and timestamp that would make the UUID
// non-reproducible across build machines), then re-stamped as version 4
// rather than left as uuid.NewMD5's version 3 — ld64's content UUID is
// documented as MD5-seeded entropy, not a true namespace UUID.
func contentUUID(buf []byte, uuidSlot uint64) uuid.UUID {
	digestible := make([]byte, 0, len(buf)-16)
	digestible = append(digestible, buf[:uuidSlot]...)
	digestible = append(digestible, buf[uuidSlot+16:]...)
	id := uuid.NewMD5(uuid.Nil, digestible)
	id.SetVersion(4)
	id.SetVariant()
	return id
}

func writeFile(path string, data []byte) error {
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove existing output %s: %v", path, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return fmt.Errorf("failed to open output %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write output %s: %v", path, err)
	}
	return nil
}
