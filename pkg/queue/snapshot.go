package queue

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dispatchkit/dispatchkit/pkg/model"
)

// magic identifies the on-disk snapshot format. Any change to the
// record layout below must bump this string.
var magic = [8]byte{'Q', 'U', 'E', 'U', 'E', '1', 0, 0}

// Snapshot serializes every entry currently held by the queue into the
// wire format described in the dispatcher's external interfaces: an
// 8-byte magic header, a uint32 record count, then one fixed-plus-variable
// record per entry. Snapshot does not drain the queue.
func (q *PriorityQueue) Snapshot() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var buf bytes.Buffer
	buf.Write(magic[:])

	var count uint32
	for p := 0; p < model.BandCount; p++ {
		count += uint32(len(q.bands[p]))
	}
	if err := binary.Write(&buf, binary.BigEndian, count); err != nil {
		return nil, err
	}

	for p := 0; p < model.BandCount; p++ {
		// The band is a heap, not a sorted slice; write it in dequeue
		// order so Restore's fresh sequence numbers keep that order.
		ordered := append([]*model.QueueEntry(nil), q.bands[p]...)
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].Less(ordered[j]) })
		for _, e := range ordered {
			if err := writeEntry(&buf, e); err != nil {
				return nil, fmt.Errorf("queue: encode entry %s: %w", e.Descriptor.ID, err)
			}
		}
	}
	return buf.Bytes(), nil
}

// Restore replaces the queue's contents with the entries encoded in
// data, assigning fresh sequence numbers in file order so relative
// FIFO ordering within a band survives a restart. Any entries already
// held are discarded; Restore fails with ErrClosed on a closed queue.
func (q *PriorityQueue) Restore(data []byte) error {
	r := bytes.NewReader(data)

	var got [8]byte
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return fmt.Errorf("queue: read magic: %w", err)
	}
	if got != magic {
		return fmt.Errorf("queue: bad magic header %q", got)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return fmt.Errorf("queue: read count: %w", err)
	}

	entries := make([]*model.QueueEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		e, err := readEntry(r)
		if err != nil {
			return fmt.Errorf("queue: decode entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	for p := 0; p < model.BandCount; p++ {
		q.bands[p] = nil
	}
	q.size = 0
	for _, e := range entries {
		q.seq++
		e.Sequence = q.seq
		q.bands[e.Descriptor.Priority].push(e)
		q.size++
	}
	return nil
}

func writeEntry(w io.Writer, e *model.QueueEntry) error {
	d := e.Descriptor
	if err := writeUUID(w, d.ID); err != nil {
		return err
	}
	if err := writeString(w, string(d.Method)); err != nil {
		return err
	}
	if err := writeString(w, d.URL); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(d.Headers))); err != nil {
		return err
	}
	for k, v := range d.Headers {
		if err := writeString(w, k); err != nil {
			return err
		}
		if err := writeString(w, v); err != nil {
			return err
		}
	}
	if err := writeBytes(w, d.Body); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, int64(d.Timeout)); err != nil {
		return err
	}
	if err := writeString(w, d.CacheKey); err != nil {
		return err
	}
	if err := writeBool(w, d.CacheDisabled); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint8(d.Priority)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, d.SubmittedAt.UnixNano()); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(d.Tags))); err != nil {
		return err
	}
	for k, v := range d.Tags {
		if err := writeString(w, k); err != nil {
			return err
		}
		if err := writeString(w, v); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.BigEndian, int32(e.Attempt)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, e.NextEligibleAt.UnixNano()); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, e.ExpiresAt.UnixNano())
}

func readEntry(r io.Reader) (*model.QueueEntry, error) {
	id, err := readUUID(r)
	if err != nil {
		return nil, err
	}
	method, err := readString(r)
	if err != nil {
		return nil, err
	}
	url, err := readString(r)
	if err != nil {
		return nil, err
	}
	headerCount, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	headers := model.NewHeaders()
	for i := uint32(0); i < headerCount; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, err
		}
		v, err := readString(r)
		if err != nil {
			return nil, err
		}
		headers[k] = v
	}
	body, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	var timeoutNanos int64
	if err := binary.Read(r, binary.BigEndian, &timeoutNanos); err != nil {
		return nil, err
	}
	cacheKey, err := readString(r)
	if err != nil {
		return nil, err
	}
	cacheDisabled, err := readBool(r)
	if err != nil {
		return nil, err
	}
	var priority uint8
	if err := binary.Read(r, binary.BigEndian, &priority); err != nil {
		return nil, err
	}
	var submittedNanos int64
	if err := binary.Read(r, binary.BigEndian, &submittedNanos); err != nil {
		return nil, err
	}
	tagCount, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	tags := make(model.Tags, tagCount)
	for i := uint32(0); i < tagCount; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, err
		}
		v, err := readString(r)
		if err != nil {
			return nil, err
		}
		tags[k] = v
	}
	var attempt int32
	if err := binary.Read(r, binary.BigEndian, &attempt); err != nil {
		return nil, err
	}
	var nextNanos, expiresNanos int64
	if err := binary.Read(r, binary.BigEndian, &nextNanos); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &expiresNanos); err != nil {
		return nil, err
	}

	d := &model.RequestDescriptor{
		ID:            id,
		Method:        model.Method(method),
		URL:           url,
		Headers:       headers,
		Body:          body,
		Timeout:       time.Duration(timeoutNanos),
		CacheKey:      cacheKey,
		CacheDisabled: cacheDisabled,
		Priority:      model.Priority(priority),
		SubmittedAt:   time.Unix(0, submittedNanos).UTC(),
		Tags:          tags,
	}
	return &model.QueueEntry{
		Descriptor:     d,
		Attempt:        int(attempt),
		NextEligibleAt: time.Unix(0, nextNanos).UTC(),
		ExpiresAt:      time.Unix(0, expiresNanos).UTC(),
	}, nil
}

func writeUUID(w io.Writer, id uuid.UUID) error {
	_, err := w.Write(id[:])
	return err
}

func readUUID(r io.Reader) (uuid.UUID, error) {
	var id uuid.UUID
	_, err := io.ReadFull(r, id[:])
	return id, err
}

func writeUint32(w io.Writer, v uint32) error {
	return binary.Write(w, binary.BigEndian, v)
}

func readUint32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func writeBool(w io.Writer, v bool) error {
	var b uint8
	if v {
		b = 1
	}
	return binary.Write(w, binary.BigEndian, b)
}

func readBool(r io.Reader) (bool, error) {
	var b uint8
	if err := binary.Read(r, binary.BigEndian, &b); err != nil {
		return false, err
	}
	return b != 0, nil
}

func writeString(w io.Writer, s string) error {
	return writeBytes(w, []byte(s))
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
