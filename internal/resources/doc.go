// Package resources exposes scheduling records as MCP resource templates.
// Clients can read a single Schedule, Slot or Appointment by URI
// (fhir://Schedule/{id}, fhir://Slot/{id}, fhir://Appointment/{id})
// without calling a tool.
package resources
