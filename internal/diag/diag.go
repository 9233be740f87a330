// Package diag formats the warnings and fatal errors the driver and core
// packages produce, matching ld64's "ld: " / "ld64 warning: " conventions.
package diag

import (
	"fmt"
	"log"
	"os"
)

// Kind classifies where in the pipeline an error originated, so the
// driver can decide whether a partial output should be removed.
type Kind int

const (
	KindUsage Kind = iota
	KindInput
	KindResolution
	KindLayout
	KindFixup
	KindWrite
)

func (k Kind) String() string {
	switch k {
	case KindUsage:
		return "usage"
	case KindInput:
		return "input"
	case KindResolution:
		return "symbol resolution"
	case KindLayout:
		return "layout"
	case KindFixup:
		return "fixup"
	case KindWrite:
		return "write"
	default:
		return "unknown"
	}
}

// LinkError is a fatal condition the driver reports with exit status 1.
type LinkError struct {
	Kind Kind
	Arch string
	Err  error
}

func (e *LinkError) Error() string {
	if e.Arch != "" {
		return fmt.Sprintf("ld: %s for architecture %s: %v", e.Kind, e.Arch, e.Err)
	}
	return fmt.Sprintf("ld: %s: %v", e.Kind, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

func Fatalf(kind Kind, arch, format string, args ...interface{}) *LinkError {
	return &LinkError{Kind: kind, Arch: arch, Err: fmt.Errorf(format, args...)}
}

// Reporter collects non-fatal warnings emitted during a link, scoped to
// one architecture slice of a fat output (distilled spec §6's "per-arch
// warning scoping").
type Reporter struct {
	Arch   string
	logger *log.Logger
}

func NewReporter(arch string) *Reporter {
	return &Reporter{Arch: arch, logger: log.New(os.Stderr, "", 0)}
}

func (r *Reporter) Warningf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if r.Arch != "" {
		r.logger.Printf("ld64 warning: for architecture %s, %s", r.Arch, msg)
		return
	}
	r.logger.Printf("ld64 warning: %s", msg)
}
