package session

import (
	"github.com/zhubert/nblog/host"
	"github.com/zhubert/nblog/transcript"
)

// Framer supplies the boundary callbacks that delimit execution units in
// the transcript.
type Framer struct {
	facility host.Facility
}

// NewFramer returns a Framer writing through facility.
func NewFramer(facility host.Facility) *Framer {
	return &Framer{facility: facility}
}

// PreExecute runs before each unit. It writes nothing.
func (f *Framer) PreExecute() error {
	return nil
}

// PostExecute runs after each unit, once its output has reached the tee,
// and writes the footer rule.
func (f *Framer) PostExecute() error {
	return f.facility.Write(transcript.Footer())
}
