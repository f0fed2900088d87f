package jobs

import "fmt"

// Kind identifies a class of background work. It is both the queue name and
// the handler dispatch key.
type Kind int

const (
	KindSendEmail Kind = iota
	KindSyncExternalWorkspace
	KindGenerateReport
	KindCleanupOldData
	KindSendNotification
	KindProcessCheckin
	KindCalculateMetrics

	kindCount
)

var kindNames = [...]string{
	KindSendEmail:             "send-email",
	KindSyncExternalWorkspace: "sync-external-workspace",
	KindGenerateReport:        "generate-report",
	KindCleanupOldData:        "cleanup-old-data",
	KindSendNotification:      "send-notification",
	KindProcessCheckin:        "process-checkin",
	KindCalculateMetrics:      "calculate-metrics",
}

// A kind without a queue name fails to compile here.
var _ = [1]struct{}{}[int(kindCount)-len(kindNames)]

// String returns the queue name for the kind
func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Valid reports whether k is one of the declared kinds
func (k Kind) Valid() bool {
	return k >= 0 && k < kindCount
}

// MarshalText encodes the kind as its queue name
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
	return []byte(kindNames[k]), nil
}

// UnmarshalText decodes a queue name into a kind
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind maps a queue name back to its kind
func ParseKind(name string) (Kind, error) {
	for i, n := range kindNames {
		if n == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// AllKinds returns every declared kind in declaration order
func AllKinds() []Kind {
	kinds := make([]Kind, 0, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}
