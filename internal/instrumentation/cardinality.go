package instrumentation

// Cardinality management helpers for metrics.
// These functions reduce high-cardinality label values to prevent metrics explosion.
//
// # Warning
//
// High cardinality in metrics can cause:
// - Increased memory usage in Prometheus/metrics backends
// - Slower query performance
// - Higher storage costs
//
// Resource ids must never be used as metric labels; resource types are
// collapsed to a fixed set with NormalizeResourceType.

// Resource types that get their own metric label value.
const (
	ResourceSchedule    = "Schedule"
	ResourceSlot        = "Slot"
	ResourceAppointment = "Appointment"
	ResourceOther       = "other"
)

// NormalizeResourceType maps a FHIR resource type onto a bounded label set.
//
// Example:
//
//	NormalizeResourceType("Slot")         // "Slot"
//	NormalizeResourceType("Practitioner") // "other"
//	NormalizeResourceType("")             // "other"
func NormalizeResourceType(resourceType string) string {
	switch resourceType {
	case ResourceSchedule, ResourceSlot, ResourceAppointment:
		return resourceType
	default:
		return ResourceOther
	}
}

// FHIR store operation types.
// Status, token and booking result constants are defined in config.go.
const (
	OperationSearch = "search"
	OperationRead   = "read"
	OperationCreate = "create"
	OperationPatch  = "patch"
)
