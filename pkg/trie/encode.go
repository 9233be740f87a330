package trie

import (
	"bytes"
	"sort"

	"github.com/apple-oss-distributions/ld64-go/types"
)

// PutUleb128 appends the ULEB128 encoding of v to b and returns the result.
func PutUleb128(b []byte, v uint64) []byte {
	for {
		c := uint8(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			break
		}
	}
	return b
}

// PutSleb128 appends the SLEB128 encoding of v to b and returns the result.
func PutSleb128(b []byte, v int64) []byte {
	for {
		c := uint8(v & 0x7f)
		v >>= 7
		signBitSet := c&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			b = append(b, c)
			break
		}
		c |= 0x80
		b = append(b, c)
	}
	return b
}

// An Export is one symbol's terminal record, the entries consumed by the
// trie Builder.
type Export struct {
	Name     string
	Flags    types.ExportFlag
	Address  uint64 // regular/thread-local exports
	Other    uint64 // stub-and-resolver: resolver offset; reexport: dylib ordinal
	ReExport string // non-empty for EXPORT_SYMBOL_FLAGS_REEXPORT
}

// node is one edge-compressed trie node built up from a sorted export set.
type node struct {
	prefix   string
	children []*node
	term     *Export // non-nil if this node is a terminal (exported symbol)

	offset int // assigned during layout, byte offset of this node in the trie
	size   int // length of this node's serialized bytes, including its leading terminal-size uleb128
}

// Builder constructs the compressed export trie used by LC_DYLD_INFO_ONLY
// and LC_DYLD_EXPORTS_TRIE, mirroring the layout the dynamic linker expects:
// a radix tree over symbol names, edge-labelled by the shared prefix each
// child strips off, terminal nodes carrying the ULEB128-encoded
// flags/address/other triple.
type Builder struct {
	root *node
}

// NewBuilder builds a trie over the given exports. Names must be unique;
// duplicates are resolved by keeping the first occurrence after sorting.
func NewBuilder(exports []Export) *Builder {
	sorted := make([]Export, len(exports))
	copy(sorted, exports)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	root := &node{}
	for i := range sorted {
		if i > 0 && sorted[i].Name == sorted[i-1].Name {
			continue
		}
		e := sorted[i]
		insert(root, e.Name, &e)
	}
	return &Builder{root: root}
}

func insert(n *node, name string, e *Export) {
	for _, c := range n.children {
		cp := commonPrefixLen(c.prefix, name)
		if cp == 0 {
			continue
		}
		if cp == len(c.prefix) {
			insert(c, name[cp:], e)
			return
		}
		// split c at cp
		split := &node{prefix: c.prefix[cp:], children: c.children, term: c.term}
		c.prefix = c.prefix[:cp]
		c.children = []*node{split}
		c.term = nil
		if cp == len(name) {
			c.term = e
		} else {
			insert(c, name[cp:], e)
		}
		return
	}
	n.children = append(n.children, &node{prefix: name, term: e})
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func sortChildren(n *node) {
	sort.Slice(n.children, func(i, j int) bool { return n.children[i].prefix[0] < n.children[j].prefix[0] })
	for _, c := range n.children {
		sortChildren(c)
	}
}

func terminalPayload(e *Export) []byte {
	var b []byte
	if e.ReExport != "" {
		b = PutUleb128(b, uint64(e.Flags))
		b = PutUleb128(b, e.Other)
		b = append(b, []byte(e.ReExport)...)
		b = append(b, 0)
		return b
	}
	if e.Flags.StubAndResolver() {
		b = PutUleb128(b, uint64(e.Flags))
		b = PutUleb128(b, e.Address)
		b = PutUleb128(b, e.Other)
		return b
	}
	b = PutUleb128(b, uint64(e.Flags))
	b = PutUleb128(b, e.Address)
	return b
}

// nodeSize computes the serialized size of n: its terminal-size uleb128,
// terminal payload, child count and edges.
func nodeSize(n *node) int {
	size := 1 // terminal size byte (0 if non-terminal)
	if n.term != nil {
		payload := terminalPayload(n.term)
		size = uleb128Size(uint64(len(payload))) + len(payload)
	}
	size++ // child count byte
	for _, c := range n.children {
		size += len(c.prefix) + 1 // edge string + NUL
		size += uleb128Size(uint64(c.offset))
	}
	return size
}

func uleb128Size(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// assignOffsets iterates fixed-point layout until every node's offset is
// stable, since earlier nodes' sizes depend on later nodes' offsets through
// the uleb128 width of the offset itself.
func assignOffsets(root *node) {
	var all []*node
	var walk func(n *node)
	walk = func(n *node) {
		all = append(all, n)
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(root)

	for {
		changed := false
		offset := 0
		for _, n := range all {
			if n.offset != offset {
				changed = true
			}
			n.offset = offset
			n.size = nodeSize(n)
			offset += n.size
		}
		if !changed {
			break
		}
	}
}

// Encode serializes the trie into the byte stream consumed by dyld: each
// node is ULEB128(terminal-size) + terminal-payload + child-count +
// per-child(edge-string NUL ULEB128(child-offset)).
func (b *Builder) Encode() []byte {
	if len(b.root.children) == 0 && b.root.term == nil {
		return nil
	}
	sortChildren(b.root)
	assignOffsets(b.root)

	var all []*node
	var walk func(n *node)
	walk = func(n *node) {
		all = append(all, n)
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(b.root)

	var buf bytes.Buffer
	for _, n := range all {
		if n.term != nil {
			payload := terminalPayload(n.term)
			buf.Write(PutUleb128(nil, uint64(len(payload))))
			buf.Write(payload)
		} else {
			buf.WriteByte(0)
		}
		buf.WriteByte(byte(len(n.children)))
		for _, c := range n.children {
			buf.WriteString(c.prefix)
			buf.WriteByte(0)
			buf.Write(PutUleb128(nil, uint64(c.offset)))
		}
	}
	return buf.Bytes()
}

// Size returns the encoded trie's length without materializing it.
func (b *Builder) Size() int {
	if len(b.root.children) == 0 && b.root.term == nil {
		return 0
	}
	sortChildren(b.root)
	assignOffsets(b.root)
	total := 0
	var walk func(n *node)
	walk = func(n *node) {
		total += n.size
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(b.root)
	return total
}
