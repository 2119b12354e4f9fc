package enums

// BillingCycle is how often a plan renews.
type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleYearly  BillingCycle = "yearly"
)

var billingCycles = values[BillingCycle]{BillingCycleMonthly, BillingCycleYearly}

func (b BillingCycle) String() string { return string(b) }
func (b BillingCycle) IsValid() bool  { return billingCycles.contains(b) }

func ParseBillingCycle(raw string) (BillingCycle, error) {
	return billingCycles.parse("billing cycle", raw)
}
