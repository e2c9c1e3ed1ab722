// Package fhir is a small FHIR R4 REST client for the scheduling resources
// (Schedule, Slot, Appointment) served by Medplum.
//
// Store is the contract the scheduling core depends on. Client implements it
// over HTTP, authenticating with an OAuth 2.0 client-credentials grant. The
// fhirtest subpackage provides an in-memory implementation for tests.
//
// Non-2xx responses are mapped onto sentinel errors so callers can branch with
// errors.Is:
//
//	404, 410                      ErrNotFound
//	401, 403                      ErrUnauthorized
//	409, 412, failed patch "test" ErrConflict
//
// Every other failure is a *RemoteError carrying the status code and the
// OperationOutcome diagnostics.
package fhir
