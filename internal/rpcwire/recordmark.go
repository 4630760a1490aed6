package rpcwire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// maxRecordFragment bounds a single fragment so a misbehaving peer can't
// make the gateway allocate unbounded memory while reassembling.
const maxRecordFragment = 8 << 20

// RecordMarkingConn frames ONC-RPC messages on a TCP stream using the
// record-marking convention: each fragment is preceded by a 4-byte
// big-endian header whose top bit marks the final fragment of a record and
// whose low 31 bits carry the fragment length.
type RecordMarkingConn struct {
	r *bufio.Reader
	w io.Writer
}

// NewRecordMarkingConn wraps separate reader/writer halves of a connection.
func NewRecordMarkingConn(r io.Reader, w io.Writer) *RecordMarkingConn {
	return &RecordMarkingConn{r: bufio.NewReader(r), w: w}
}

// ReadRecord reassembles fragments until the last-fragment bit is seen and
// returns the concatenated record.
func (c *RecordMarkingConn) ReadRecord() ([]byte, error) {
	var record []byte
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
			return nil, err
		}
		h := binary.BigEndian.Uint32(hdr[:])
		last := h&0x80000000 != 0
		length := h & 0x7fffffff
		if length > maxRecordFragment {
			return nil, fmt.Errorf("rpcwire: fragment length %d exceeds limit", length)
		}
		frag := make([]byte, length)
		if _, err := io.ReadFull(c.r, frag); err != nil {
			return nil, fmt.Errorf("rpcwire: read fragment: %w", err)
		}
		record = append(record, frag...)
		if last {
			return record, nil
		}
	}
}

// WriteRecord writes data as a single, final fragment.
func (c *RecordMarkingConn) WriteRecord(data []byte) error {
	if len(data) > maxRecordFragment {
		return fmt.Errorf("rpcwire: record of %d bytes exceeds fragment limit", len(data))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data))|0x80000000)
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := c.w.Write(data)
	return err
}
