// Package wire implements the fixed-width record protocol spoken over the
// worker pipe, the reporter FIFO and the TCP control channel.
//
// Every record occupies exactly Size bytes in host byte order. The protocol
// is in-host only and makes no attempt at cross-architecture portability.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Tag identifies the variant of a Record.
type Tag uint32

const (
	// TagNull is reserved and never sent.
	TagNull Tag = iota
	// TagDone is sent by a worker that finished its range (or, on the
	// socket channel, that is ready for another one), and by the
	// coordinator to the reporter when the search completed.
	TagDone
	// TagClosed announces a premature termination of the sender.
	TagClosed
	// TagKill asks the socket coordinator to shut down.
	TagKill
	// TagRange carries a work assignment [start, end], both inclusive.
	TagRange
	// TagPerfnum carries one discovered perfect number.
	TagPerfnum
	// TagNotify subscribes the sender to the result stream.
	TagNotify
	// TagAccept grants a subscription.
	TagAccept
	// TagRefuse denies a subscription or a work request.
	TagRefuse

	tagMax = TagRefuse
)

// Reserved pid values carried by Closed records on the socket channel.
const (
	// PIDServer identifies the socket coordinator itself.
	PIDServer int32 = 0
	// PIDClient identifies a peer compute client.
	PIDClient int32 = 1
)

// Size is the on-wire width of every record, the width of the largest
// variant (Range).
const Size = 12

var tagNames = map[Tag]string{
	TagNull:    "NULL",
	TagDone:    "DONE",
	TagClosed:  "CLOSED",
	TagKill:    "KILL",
	TagRange:   "RANGE",
	TagPerfnum: "PERFNUM",
	TagNotify:  "NOTIFY",
	TagAccept:  "ACCEPT",
	TagRefuse:  "REFUSE",
}

func (m Tag) String() string {
	if name, ok := tagNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Tag(%d)", uint32(m))
}

// ErrBadTag is returned by Read for a record whose tag is outside the
// protocol enumeration.
var ErrBadTag = errors.New("record tag is outside the protocol")

// Record is the tagged union sent over pipes, FIFOs and sockets. The payload
// words A and B are interpreted per tag: Done and Closed carry the sender pid
// in A, Range carries start in A and end in B, Perfnum carries the number
// in A. The remaining variants have no payload.
type Record struct {
	Tag Tag
	A   int32
	B   int32
}

func NewDone(pid int32) Record         { return Record{Tag: TagDone, A: pid} }
func NewClosed(pid int32) Record       { return Record{Tag: TagClosed, A: pid} }
func NewKill() Record                  { return Record{Tag: TagKill} }
func NewRange(start, end int32) Record { return Record{Tag: TagRange, A: start, B: end} }
func NewPerfnum(n int32) Record        { return Record{Tag: TagPerfnum, A: n} }
func NewNotify() Record                { return Record{Tag: TagNotify} }
func NewAccept() Record                { return Record{Tag: TagAccept} }
func NewRefuse() Record                { return Record{Tag: TagRefuse} }

// Pid returns the sender pid of a Done or Closed record.
func (m Record) Pid() int32 { return m.A }

// Start returns the inclusive lower bound of a Range record.
func (m Record) Start() int32 { return m.A }

// End returns the inclusive upper bound of a Range record.
func (m Record) End() int32 { return m.B }

// Value returns the perfect number carried by a Perfnum record.
func (m Record) Value() int32 { return m.A }

// Write writes exactly Size bytes to w.
func Write(w io.Writer, rec Record) error {
	var buf [Size]byte
	binary.NativeEndian.PutUint32(buf[0:4], uint32(rec.Tag))
	binary.NativeEndian.PutUint32(buf[4:8], uint32(rec.A))
	binary.NativeEndian.PutUint32(buf[8:12], uint32(rec.B))

	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("failed to write %s record: %w", rec.Tag, err)
	}
	return nil
}

// Read blocks until exactly Size bytes have been read from r. Short reads
// are retried. It returns io.EOF on an orderly peer close at a record
// boundary and io.ErrUnexpectedEOF if the peer vanished mid-record.
func Read(r io.Reader) (Record, error) {
	var buf [Size]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Record{}, err
	}

	rec := Record{
		Tag: Tag(binary.NativeEndian.Uint32(buf[0:4])),
		A:   int32(binary.NativeEndian.Uint32(buf[4:8])),
		B:   int32(binary.NativeEndian.Uint32(buf[8:12])),
	}
	if rec.Tag > tagMax {
		return Record{}, fmt.Errorf("%w: %d", ErrBadTag, uint32(rec.Tag))
	}
	return rec, nil
}
