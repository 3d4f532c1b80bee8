// Package schedule parses the schedule expressions accepted on the command
// line and in report configs, and renders them as orchestrator schedule
// objects (cron, interval or rrule).
//
// Cron validation and local fire-time previews are delegated to robfig/cron.
package schedule
