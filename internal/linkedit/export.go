package linkedit

import "github.com/apple-oss-distributions/ld64-go/pkg/trie"

// ExportTrieEncoder wraps pkg/trie.Builder, exposing its Size() and
// Encode().
type ExportTrieEncoder struct {
	builder *trie.Builder
}

func NewExportTrieEncoder(exports []trie.Export) *ExportTrieEncoder {
	return &ExportTrieEncoder{builder: trie.NewBuilder(exports)}
}

func (e *ExportTrieEncoder) Size() int        { return e.builder.Size() }
func (e *ExportTrieEncoder) Encode() []byte    { return e.builder.Encode() }
