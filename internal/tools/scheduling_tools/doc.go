// Package scheduling_tools exposes the scheduling workflow as MCP tools.
//
// Six tools cover the workflow: get-schedules, get-schedule and
// get-available-slots to find availability, book-appointment and
// cancel-appointment to change it, and get-appointment to inspect the
// outcome. Arguments are validated at the tool boundary; every failure is
// returned as a tool error "<Category>: Failed to <op>: <detail>" so the
// server keeps serving.
//
// In read-only mode book-appointment and cancel-appointment are not registered.
package scheduling_tools
