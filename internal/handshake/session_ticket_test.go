package handshake

import (
	"testing"
	"time"

	"github.com/quic-dev/quix/internal/wire"
	"github.com/quic-dev/quix/quicvarint"

	"github.com/stretchr/testify/require"
)

func TestSessionTicketMarshalUnmarshal0RTT(t *testing.T) {
	ticket := &sessionTicket{
		Parameters: &wire.TransportParameters{
			InitialMaxStreamDataBidiLocal:  1,
			InitialMaxStreamDataBidiRemote: 2,
			InitialMaxData:                 3,
			ActiveConnectionIDLimit:        10,
		},
		RTT: 1337 * time.Microsecond,
	}
	var t2 sessionTicket
	require.NoError(t, t2.Unmarshal(ticket.Marshal(), true))
	require.EqualValues(t, 1, t2.Parameters.InitialMaxStreamDataBidiLocal)
	require.EqualValues(t, 2, t2.Parameters.InitialMaxStreamDataBidiRemote)
	require.EqualValues(t, 3, t2.Parameters.InitialMaxData)
	require.EqualValues(t, 10, t2.Parameters.ActiveConnectionIDLimit)
	require.Equal(t, 1337*time.Microsecond, t2.RTT)
}

func TestSessionTicketMarshalUnmarshalWithout0RTT(t *testing.T) {
	ticket := &sessionTicket{RTT: 42 * time.Millisecond}
	var t2 sessionTicket
	require.NoError(t, t2.Unmarshal(ticket.Marshal(), false))
	require.Nil(t, t2.Parameters)
	require.Equal(t, 42*time.Millisecond, t2.RTT)
}

func TestSessionTicketRefusesUnknownRevision(t *testing.T) {
	b := quicvarint.Append(nil, 1337)
	var t2 sessionTicket
	require.EqualError(t, t2.Unmarshal(b, true), "unknown session ticket revision: 1337")
	require.EqualError(t, t2.Unmarshal(b, false), "unknown session ticket revision: 1337")
}

func TestSessionTicketRefusesTrailingData(t *testing.T) {
	ticket := &sessionTicket{RTT: time.Millisecond}
	b := append(ticket.Marshal(), []byte("foobar")...)
	var t2 sessionTicket
	require.EqualError(t, t2.Unmarshal(b, false), "the session ticket has more bytes than expected")
}

func TestSessionTicketRefusesInvalidTransportParameters(t *testing.T) {
	b := quicvarint.Append(nil, sessionTicketRevision)
	b = quicvarint.Append(b, 42)
	b = append(b, []byte("not a transport parameter")...)
	var t2 sessionTicket
	err := t2.Unmarshal(b, true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unmarshaling transport parameters from session ticket failed")
}
