package enums

type TransactionType string

const (
	TransactionTypeSubscription TransactionType = "subscription"
	TransactionTypeRenewal      TransactionType = "renewal"
)

var transactionTypes = values[TransactionType]{TransactionTypeSubscription, TransactionTypeRenewal}

func (t TransactionType) String() string { return string(t) }
func (t TransactionType) IsValid() bool  { return transactionTypes.contains(t) }
