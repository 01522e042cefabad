package wire

// Table encodes a homogeneous list of records as a single nested blob: a
// record count followed by that many length-prefixed sub-blobs. Used to
// carry per-rail/per-worker endpoint tables inside a connection-info blob,
// and to keep the "src" table and "dest" table of a CONNECTION_REQ/
// CONNECTION_ACK message distinguishable by storing each under its own
// tag.
type Table struct {
	records [][]byte
}

// NewTable returns an empty Table.
func NewTable() *Table { return &Table{} }

// Add appends one record's already-encoded bytes (typically an
// Encoder.Bytes() result).
func (t *Table) Add(record []byte) *Table {
	t.records = append(t.records, record)
	return t
}

// Encode serializes the table as a nested blob.
func (t *Table) Encode() []byte {
	e := NewEncoder()
	for i, r := range t.records {
		e.PutBytes(recordTag(i), r)
	}
	return prependCount(e, len(t.records))
}

// DecodeTable parses a blob produced by Table.Encode back into its
// constituent records.
func DecodeTable(blob []byte) ([][]byte, error) {
	d, err := Decode(blob)
	if err != nil {
		return nil, err
	}
	count, err := d.Uint32(countTag)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		out = append(out, d.Bytes(recordTag(int(i))))
	}
	return out, nil
}

const countTag = "cnt_"

func recordTag(i int) string {
	// 4-char tags: "r" + 3 digits. Tags repeat every 1000 records and
	// DecodeTable looks each record up by its tag, so a table of more
	// than 1000 records does not decode back to its original records.
	digits := [3]byte{'0', '0', '0'}
	n := i % 1000
	digits[2] = byte('0' + n%10)
	digits[1] = byte('0' + (n/10)%10)
	digits[0] = byte('0' + (n/100)%10)
	return "r" + string(digits[:])
}

func prependCount(e *Encoder, n int) []byte {
	withCount := NewEncoder()
	withCount.PutUint32(countTag, uint32(n))
	withCount.fields = append(withCount.fields, e.fields...)
	return withCount.Bytes()
}
