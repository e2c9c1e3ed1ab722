// Package logging provides structured logging utilities for fhir-scheduling-mcp.
//
// This package centralizes logging patterns to ensure consistent, structured logging
// throughout the codebase using the standard library's slog package.
//
// # Key Features
//
//   - Logger construction for text or JSON output
//   - Consistent attribute naming for FHIR resources, tools and sessions
//   - Identifier anonymization for patient-adjacent ids
//   - A printf adapter for third-party clients
//
// # Usage Patterns
//
//	logger := logging.WithOperation(slog.Default(), "book_appointment")
//	logger.Info("slot reserved",
//	    logging.Resource("Slot"),
//	    logging.ResourceID(slotID))
//
// # Security Considerations
//
//   - Practitioner and appointment ids can be hashed with AnonymizeID
//   - Tokens and client secrets are never logged directly
package logging
