package enums

// TransactionStatus tracks a ledger row from checkout to resolution.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusRefunded  TransactionStatus = "refunded"
)

var transactionStatuses = values[TransactionStatus]{
	TransactionStatusPending,
	TransactionStatusCompleted,
	TransactionStatusFailed,
	TransactionStatusRefunded,
}

func (s TransactionStatus) String() string { return string(s) }
func (s TransactionStatus) IsValid() bool  { return transactionStatuses.contains(s) }

// IsTerminal reports whether no webhook may move a row out of s.
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusRefunded
}
