// Package sandbox provides per-unit process isolation for untrusted
// factor code. The default Sandbox runs a unit as a subprocess via
// os/exec; an optional containerd-backed Sandbox gives each unit its
// own container when stronger isolation is required. Either
// implementation satisfies the same Sandbox interface, so the process
// pool never depends on which backend is configured.
package sandbox
