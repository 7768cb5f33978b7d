// Package poller wraps one kernel readiness-notification instance.
package poller

// Event is a portable interest/readiness mask.
type Event uint32

const (
	// Read reports descriptor readability.
	Read Event = 1 << iota
	// Write reports descriptor writability.
	Write
	// Hangup reports peer shutdown or a descriptor error. It is always
	// delivered; callers do not request it.
	Hangup
	// EdgeTriggered requests edge-triggered notification: readiness is
	// reported only on state transitions.
	EdgeTriggered
	// OneShot disables the registration after one delivery until the
	// descriptor is re-armed with Mod.
	OneShot
)

// DefaultMaxEvents bounds how many ready descriptors one Wait call reports.
// Excess descriptors surface on the next Wait.
const DefaultMaxEvents = 1024
