// Package health evaluates liveness and readiness probes for the admin
// listener.
//
// A Probe returns nil when healthy and an error naming the reason
// otherwise. Probes compose with All and Any; ShutdownGate fails
// readiness during drain so load balancers stop routing before the public
// listener closes.
package health
