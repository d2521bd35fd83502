package obj

import "oro/kernel/registry"

// Right enumerates the capabilities a Token may grant (§3).
type Right uint8

const (
	RightPortSend Right = iota
	RightPortRecv
	RightRingSpawn
)

// Token is an unforgeable, revocable capability handle: a right, held by an
// Instance, scoped to one target object (§3). Validation is the Registry's
// generation check plus this struct's Holder/Right/Target triple -- the
// syscall router checks all three before honoring a Token presented by a
// caller.
type Token struct {
	Holder registry.Handle // the Instance this token was issued to
	Right  Right
	Target registry.Handle // the Port or Ring the right applies to
}
