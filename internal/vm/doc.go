// Package vm is baker's control-plane lifecycle orchestrator.
//
// An Orchestrator drives the infrastructure machines (the control node, the
// docker host and the macOS hypervisor runtime) from whatever state the
// provider reports to Running, installing them on first use:
//
//	resolve working dir -> create it -> query provider state
//	  Absent:  stage assets, write definition, start, remote post-install, record
//	  Stopped: start
//	  Running: nothing
//	  present but unrecorded: start if needed, remote post-install, record
//
// Error Handling:
//
// Absence is a state, not an error. Failures are reported as
// *ProviderQueryFailedError, *MachineStartFailedError,
// *ControlPlaneNotInstalledError and *RemoteActionFailedError so callers can
// branch with errors.As. Other collaborator errors are wrapped with context
// and returned unchanged otherwise.
//
// Concurrency:
//
// Each call runs its steps sequentially and never retries. Calls for the same
// role must be serialized by the caller; distinct roles may run concurrently.
// Bounded waits live in the provider's Start.
package vm
