package domain

// providerStatuses is the fixed provider vocabulary. Lookups are exact.
var providerStatuses = map[string]SubscriptionStatus{
	"trialing":           SubscriptionStatusTrialing,
	"active":             SubscriptionStatusActive,
	"past_due":           SubscriptionStatusPastDue,
	"canceled":           SubscriptionStatusCanceled,
	"unpaid":             SubscriptionStatusUnpaid,
	"incomplete":         SubscriptionStatusIncomplete,
	"incomplete_expired": SubscriptionStatusIncomplete,
	"paused":             SubscriptionStatusPastDue,
}

// MapStatus folds provider statuses into the internal vocabulary. Unknown
// values map to active.
func MapStatus(providerStatus string) SubscriptionStatus {
	if status, ok := providerStatuses[providerStatus]; ok {
		return status
	}
	return SubscriptionStatusActive
}

// KnownStatus reports whether MapStatus recognises providerStatus.
func KnownStatus(providerStatus string) bool {
	_, ok := providerStatuses[providerStatus]
	return ok
}
