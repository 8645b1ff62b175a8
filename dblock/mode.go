package dblock

import "fmt"

// TransactionID identifies a transaction for its whole life. IDs are never reused.
type TransactionID uint64

func (t TransactionID) String() string {
	return fmt.Sprintf("tx%d", uint64(t))
}

type LockMode int

const (
	Shared LockMode = iota
	Exclusive
)

func (m LockMode) String() string {
	switch m {
	case Shared:
		return "S"
	case Exclusive:
		return "X"
	}
	return fmt.Sprintf("LockMode(%d)", int(m))
}

// Covers reports whether holding m already satisfies a request for req.
func (m LockMode) Covers(req LockMode) bool {
	return m == Exclusive || req == Shared
}

func ParseLockMode(s string) (LockMode, error) {
	switch s {
	case "S", "s", "shared":
		return Shared, nil
	case "X", "x", "exclusive":
		return Exclusive, nil
	}
	return 0, fmt.Errorf("unknown lock mode %q", s)
}
