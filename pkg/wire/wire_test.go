package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	blob := NewEncoder().
		PutString("name", "rail-0").
		PutUint16("lid", 7).
		PutUint32("qpn", 123456).
		PutUint64("addr", 0xdeadbeefcafef00d).
		Bytes()

	d, err := Decode(blob)
	require.NoError(t, err)

	require.Equal(t, "rail-0", d.String("name"))
	lid, err := d.Uint16("lid")
	require.NoError(t, err)
	require.Equal(t, uint16(7), lid)

	qpn, err := d.Uint32("qpn")
	require.NoError(t, err)
	require.Equal(t, uint32(123456), qpn)

	addr, err := d.Uint64("addr")
	require.NoError(t, err)
	require.Equal(t, uint64(0xdeadbeefcafef00d), addr)
}

func TestMandatoryTagMissing(t *testing.T) {
	blob := NewEncoder().PutString("name", "x").Bytes()
	d, err := Decode(blob)
	require.NoError(t, err)
	d.Require("name", "rkey")
	require.Error(t, d.CheckMandatory())
}

func TestTruncatedBlobRejected(t *testing.T) {
	blob := NewEncoder().PutUint32("qpn", 1).Bytes()
	_, err := Decode(blob[:len(blob)-2])
	require.Error(t, err)
}

func TestTableRoundTrip(t *testing.T) {
	tbl := NewTable()
	for i := 0; i < 5; i++ {
		rec := NewEncoder().PutUint32("qpn", uint32(1000+i)).Bytes()
		tbl.Add(rec)
	}
	blob := tbl.Encode()

	records, err := DecodeTable(blob)
	require.NoError(t, err)
	require.Len(t, records, 5)

	for i, rec := range records {
		d, err := Decode(rec)
		require.NoError(t, err)
		qpn, err := d.Uint32("qpn")
		require.NoError(t, err)
		require.Equal(t, uint32(1000+i), qpn)
	}
}

func TestSrcDestTablesDistinguished(t *testing.T) {
	src := NewTable().Add(NewEncoder().PutString("ep", "src-0").Bytes()).Encode()
	dst := NewTable().Add(NewEncoder().PutString("ep", "dst-0").Bytes()).Encode()

	blob := NewEncoder().PutBytes("src", src).PutBytes("dest", dst).Bytes()
	d, err := Decode(blob)
	require.NoError(t, err)

	srcRecs, err := DecodeTable(d.Bytes("src"))
	require.NoError(t, err)
	dstRecs, err := DecodeTable(d.Bytes("dest"))
	require.NoError(t, err)

	sd, _ := Decode(srcRecs[0])
	dd, _ := Decode(dstRecs[0])
	require.Equal(t, "src-0", sd.String("ep"))
	require.Equal(t, "dst-0", dd.String("ep"))
}
