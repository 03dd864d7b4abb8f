// Package seqno implements the circular sequence and message number spaces
// used on member links.
//
// Packet sequence numbers occupy 31 bits and wrap at 2^31. Comparisons are
// signed-wrap: two numbers are comparable as long as they are less than half
// the sequence space apart. Message numbers occupy 26 bits and never take
// the value 0, which is reserved for control traffic.
package seqno

import (
	"math/rand"
	"sync"
	"time"
)

const (
	// None marks an unset sequence number.
	None int32 = -1

	// Max is the highest valid sequence number.
	Max int32 = 0x7FFFFFFF

	// Threshold is the distance above which two sequence numbers are no
	// longer comparable.
	Threshold int32 = 0x40000000
)

const (
	// MsgNone marks an unset message number.
	MsgNone int32 = -1

	// MaxMsg is the highest valid message number.
	MaxMsg int32 = 0x03FFFFFF
)

// Cmp compares two sequence numbers with signed wraparound. The result is
// positive if a is ahead of b, negative if behind, zero if equal.
func Cmp(a, b int32) int32 {
	if abs32(a-b) < Threshold {
		return a - b
	}
	return b - a
}

// Off returns the offset from a to b, wrapping through the end of the
// sequence space if necessary.
func Off(a, b int32) int32 {
	if abs32(a-b) < Threshold {
		return b - a
	}
	if b < a {
		return b - a + Max + 1
	}
	return b - a - Max - 1
}

// Length returns the number of sequences in the inclusive range [from, to].
func Length(from, to int32) int32 {
	if to >= from {
		return to - from + 1
	}
	return to - from + Max + 2
}

// Incr returns the sequence number following seq.
func Incr(seq int32) int32 {
	if seq == Max {
		return 0
	}
	return seq + 1
}

// Decr returns the sequence number preceding seq.
func Decr(seq int32) int32 {
	if seq == 0 {
		return Max
	}
	return seq - 1
}

// Add advances seq by inc sequence numbers, wrapping around the space.
func Add(seq, inc int32) int32 {
	return (seq + inc) & Max
}

// IncrMsg returns the message number following msgno, skipping 0.
func IncrMsg(msgno int32) int32 {
	if msgno == MaxMsg {
		return 1
	}
	return msgno + 1
}

// CmpMsg compares two message numbers with signed wraparound in the 26 bit
// message number space.
func CmpMsg(a, b int32) int32 {
	if abs32(a-b) < (MaxMsg+1)/2 {
		return a - b
	}
	return b - a
}

// MsgOff returns the offset from message number a to b.
func MsgOff(a, b int32) int32 {
	if abs32(a-b) < (MaxMsg+1)/2 {
		return b - a
	}
	if b < a {
		return b - a + MaxMsg + 1
	}
	return b - a - MaxMsg - 1
}

var (
	isnRand *rand.Rand
	isnLock sync.Mutex
)

func init() {
	isnRand = rand.New(rand.NewSource(time.Now().UnixNano()))
}

// GenerateISN picks a fresh initial sequence number. It is used both for new
// links and for resetting a group's scheduling sequence once its member
// table drains.
func GenerateISN() int32 {
	isnLock.Lock()
	defer isnLock.Unlock()

	return isnRand.Int31n(Max)
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
