package linkedit

import "github.com/apple-oss-distributions/ld64-go/internal/fixup"

// WeakBindEncoder reuses BindEncoder's opcode grammar for the weak-bind
// stream; weak-bind entries never carry a dylib ordinal (distilled spec
// §4.6 treats the self-image as the implicit binder).
type WeakBindEncoder struct {
	inner *BindEncoder
}

func NewWeakBindEncoder(resolver SegmentResolver) *WeakBindEncoder {
	return &WeakBindEncoder{inner: NewBindEncoder(resolver)}
}

func (e *WeakBindEncoder) Add(info fixup.WeakBindingInfo) { e.inner.Add(info.BindingInfo) }

func (e *WeakBindEncoder) Encode() ([]byte, error) { return e.inner.Encode() }

// LazyBindEncoder builds the lazy-bind opcode stream consumed by stub
// helpers; unlike Bind/WeakBind it is not a single DONE-terminated stream
// but one DO_BIND-terminated run per entry, since dyld_stub_binder jumps
// into the middle of it per lazy pointer.
type LazyBindEncoder struct {
	resolver SegmentResolver
	entries  []fixup.LazyBindingInfo
}

func NewLazyBindEncoder(resolver SegmentResolver) *LazyBindEncoder {
	return &LazyBindEncoder{resolver: resolver}
}

func (e *LazyBindEncoder) Add(info fixup.LazyBindingInfo) { e.entries = append(e.entries, info) }

// Encode returns the lazy-bind stream together with the byte offset into
// it at which each entry's opcode run begins, for use as the stub helper's
// lazy pointer table __lazy_binding offsets.
func (e *LazyBindEncoder) Encode() ([]byte, []int, error) {
	var out []byte
	offsets := make([]int, 0, len(e.entries))
	for _, entry := range e.entries {
		offsets = append(offsets, len(out))
		one := NewBindEncoder(e.resolver)
		one.Add(entry.BindingInfo)
		buf, err := one.Encode()
		if err != nil {
			return nil, nil, err
		}
		// strip the trailing BIND_OPCODE_DONE; a per-entry run already ends
		// with DO_BIND, dyld_stub_binder doesn't expect DONE until the final
		// entry.
		if len(buf) > 0 && buf[len(buf)-1] == 0x00 {
			buf = buf[:len(buf)-1]
		}
		out = append(out, buf...)
	}
	out = append(out, 0x00)
	return out, offsets, nil
}
