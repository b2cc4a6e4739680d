// Package errkind defines the error vocabulary shared by the core
// decoding pipeline (symtab, elfcore, memmap, archdispatch, host).
//
// Errors are plain Go errors wrapped with fmt.Errorf("...: %w", ...);
// callers discriminate with errors.Is and errors.As. PageFaultError is
// the one case that needs structured fields (kind + faulting address)
// rather than a flat sentinel.
package errkind

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per distinct failure kind the pipeline needs to
// discriminate on. Wrap these with fmt.Errorf("...: %w", ErrXxx) to
// attach context; test with errors.Is.
var (
	ErrIO                   = fmt.Errorf("io error")
	ErrInvalidFormat        = fmt.Errorf("invalid format")
	ErrUnsupportedArch      = fmt.Errorf("unsupported architecture")
	ErrMissingSymbol        = fmt.Errorf("missing symbol")
	ErrStructLayoutMismatch = fmt.Errorf("struct layout mismatch")
	ErrTruncated            = fmt.Errorf("truncated data")
	ErrCycleDetected        = fmt.Errorf("cycle detected")
	ErrOutOfMemory          = fmt.Errorf("out of memory")
)

// PageFaultKind discriminates the reasons a virtual-to-physical
// translation can fail.
type PageFaultKind int

const (
	PageFaultNonPresent PageFaultKind = iota
	PageFaultReserved
	PageFaultOutOfMap
)

func (k PageFaultKind) String() string {
	switch k {
	case PageFaultNonPresent:
		return "NonPresent"
	case PageFaultReserved:
		return "Reserved"
	case PageFaultOutOfMap:
		return "OutOfMap"
	default:
		return "Unknown"
	}
}

// PageFaultError reports a failed virtual address translation or a
// physical read that falls outside the captured memory map.
type PageFaultError struct {
	Kind PageFaultKind
	Addr uint64
}

func (e *PageFaultError) Error() string {
	return fmt.Sprintf("page fault (%s) at va=0x%x", e.Kind, e.Addr)
}

// Is reports whether target is a PageFaultError of any kind, so that
// errors.Is(err, &PageFaultError{}) matches regardless of Kind/Addr.
func (e *PageFaultError) Is(target error) bool {
	_, ok := target.(*PageFaultError)
	return ok
}

// Severity classifies how far up the pipeline an error must propagate.
type Severity int

const (
	// Fatal aborts the entire run (cannot open CORE, malformed ELF
	// header, no symbol table, zero PT_LOADs).
	Fatal Severity = iota
	// EntityFatal skips the current domain or vCPU and continues.
	EntityFatal
	// Advisory is logged and does not interrupt the caller.
	Advisory
)

func (s Severity) String() string {
	switch s {
	case Fatal:
		return "fatal"
	case EntityFatal:
		return "entity-fatal"
	case Advisory:
		return "advisory"
	default:
		return "unknown"
	}
}

// Classify assigns a default Severity to an error drawn from this
// package's sentinels. Callers that know better context (e.g. "this
// IO error happened while reading one vCPU's frame, so it is really
// entity-fatal here") should not use this and should set Severity
// explicitly instead; Classify only covers the common case.
func Classify(err error) Severity {
	switch {
	case err == nil:
		return Advisory
	case errors.Is(err, ErrOutOfMemory):
		return Fatal
	case errors.Is(err, ErrIO), errors.Is(err, ErrInvalidFormat):
		return Fatal
	case errors.Is(err, ErrUnsupportedArch):
		return Fatal
	case errors.Is(err, ErrCycleDetected):
		return Advisory
	case errors.Is(err, ErrMissingSymbol):
		return Advisory
	default:
		return EntityFatal
	}
}
