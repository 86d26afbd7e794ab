package blabber

import (
	"github.com/pkg/errors"

	"github.com/outofforest/blabber/container/heap"
)

// A string is either inlined (stored directly in the record) if it is short
// enough, or moved to the strings heap otherwise. The inline form is
// terminated by the first zero byte; a string using the full capacity has no
// terminator.
type stringKind byte

const (
	inlineString stringKind = iota
	heapString
)

const (
	userCapacity  = 15
	titleCapacity = 31
)

type optimizedString15 struct {
	Ref    heap.Reference
	Inline [userCapacity]byte
	Kind   stringKind
}

type optimizedString31 struct {
	Ref    heap.Reference
	Inline [titleCapacity]byte
	Kind   stringKind
}

func storeOptimizedString15(strings *heap.Heap, s string) (optimizedString15, error) {
	var v optimizedString15
	if len(s) <= len(v.Inline) {
		copy(v.Inline[:], s)
		v.Kind = inlineString
		return v, nil
	}

	ref, err := storeString(strings, s)
	if err != nil {
		return optimizedString15{}, err
	}
	v.Ref = ref
	v.Kind = heapString
	return v, nil
}

func storeOptimizedString31(strings *heap.Heap, s string) (optimizedString31, error) {
	var v optimizedString31
	if len(s) <= len(v.Inline) {
		copy(v.Inline[:], s)
		v.Kind = inlineString
		return v, nil
	}

	ref, err := storeString(strings, s)
	if err != nil {
		return optimizedString31{}, err
	}
	v.Ref = ref
	v.Kind = heapString
	return v, nil
}

func loadOptimizedString15(strings *heap.Heap, v optimizedString15) (string, error) {
	switch v.Kind {
	case inlineString:
		return string(v.Inline[:inlineLen(v.Inline[:])]), nil
	case heapString:
		return loadString(strings, v.Ref)
	default:
		return "", errors.Wrapf(ErrInternalInvariant, "unknown string kind: %d", v.Kind)
	}
}

func loadOptimizedString31(strings *heap.Heap, v optimizedString31) (string, error) {
	switch v.Kind {
	case inlineString:
		return string(v.Inline[:inlineLen(v.Inline[:])]), nil
	case heapString:
		return loadString(strings, v.Ref)
	default:
		return "", errors.Wrapf(ErrInternalInvariant, "unknown string kind: %d", v.Kind)
	}
}

// storeString stores the string on the heap and returns a reference to its
// location.
func storeString(strings *heap.Heap, s string) (heap.Reference, error) {
	if len(s) > heap.MaxBlobSize {
		return 0, errors.WithStack(ErrStringTooLarge)
	}
	return strings.Allocate([]byte(s))
}

// loadString dereferences the string and loads it from the heap.
func loadString(strings *heap.Heap, ref heap.Reference) (string, error) {
	b, err := strings.Load(ref)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// inlineLen returns the index of the first zero byte, or the capacity if there
// is none.
func inlineLen(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return len(b)
}
