package bulkload

import (
	"fmt"
	"strings"
)

// Mode is the transaction granularity of a load session.
type Mode int

const (
	// NoTransaction writes every row in autocommit mode.
	NoTransaction Mode = iota + 1
	// SingleTransaction writes all rows in one transaction committed only by
	// an explicit Commit.
	SingleTransaction
	// BatchTransactions commits automatically every BatchSize rows.
	BatchTransactions
	// TransactionCheckpoints writes all rows in one transaction and supports
	// CreateCheckpoint/Rollback to the last checkpoint.
	TransactionCheckpoints
)

var modeNames = map[Mode]string{
	NoTransaction:          "none",
	SingleTransaction:      "single",
	BatchTransactions:      "batch",
	TransactionCheckpoints: "checkpoint",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

func (m Mode) Valid() bool {
	_, ok := modeNames[m]
	return ok
}

// ParseMode accepts the String form of a Mode. The empty string maps to
// SingleTransaction.
func ParseMode(s string) (Mode, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return SingleTransaction, nil
	}
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: unsupported transaction mode %q", ErrInvalidConfig, s)
}

func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: unsupported transaction mode %d", ErrInvalidConfig, int(m))
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
