// Package health probes running instances and folds the results into
// the sub-health flag the agent reports in heartbeats.
//
// A Checker performs one kind of probe: HTTP (2xx/3xx is healthy),
// TCP connect, or a host command with exit code zero. ForCheck builds
// the right checker from an instance's health check spec; Normalize
// fills unset timings with the package defaults.
//
// The Tracker is the state machine on top: each probe result feeds
// Observe, and once consecutive failures reach the check's threshold
// the instance turns sub-healthy with the failing probe's message.
// A single success clears it. Sub-health never kills an instance, it
// only marks it so placement steers away; only process exit or an
// explicit kill ends an instance.
package health
