package protocol

import "time"

// DesiredReceiveBufferSize is the kernel UDP receive buffer size that we'd like to use.
const DesiredReceiveBufferSize = (1 << 20) * 7 // 7 MB

// DesiredSendBufferSize is the kernel UDP send buffer size that we'd like to use.
const DesiredSendBufferSize = (1 << 20) * 7 // 7 MB

// InitialMaxStreamData is the stream-level flow control window for receiving data
const InitialMaxStreamData = (1 << 10) * 512 // 512 kb

// InitialMaxData is the connection-level flow control window for receiving data
const InitialMaxData = ConnectionFlowControlMultiplier * InitialMaxStreamData

// DefaultMaxReceiveStreamFlowControlWindow is the default maximum stream-level flow control window for receiving data
const DefaultMaxReceiveStreamFlowControlWindow = 6 * (1 << 20) // 6 MB

// DefaultMaxReceiveConnectionFlowControlWindow is the default connection-level flow control window for receiving data
const DefaultMaxReceiveConnectionFlowControlWindow = 15 * (1 << 20) // 15 MB

// WindowUpdateThreshold is the fraction of the receive window that has to be consumed
// before a higher offset is advertised to the peer
const WindowUpdateThreshold = 0.5

// ConnectionFlowControlMultiplier determines how much larger the connection flow control windows
// need to be relative to any stream's flow control window
// This is the value that Chromium is using
const ConnectionFlowControlMultiplier = 1.5

// DefaultInitialMaxStreamsBidi is the number of bidirectional streams the peer may open
const DefaultInitialMaxStreamsBidi = 100

// DefaultInitialMaxStreamsUni is the number of unidirectional streams the peer may open
const DefaultInitialMaxStreamsUni = 100

// MaxStreamFrameSorterGaps is the maximum number of gaps between received StreamFrames.
// Prevents DoS attacks against the streamFrameSorter.
const MaxStreamFrameSorterGaps = 1000

// MinStreamFrameBufferSize is the minimum data length of a received STREAM frame
// that we use the buffer for. This protects against a DoS where an attacker would send us
// very small STREAM frames to consume a lot of memory.
const MinStreamFrameBufferSize = 128

// MinStreamFrameSize is the minimum size that has to be left in a packet, so that we add another STREAM frame.
// This avoids splitting up STREAM frames into small pieces, which has an inefficient encoding.
// It is also the maximum amount of bytes by which a packet can exceed the packet size limit.
const MinStreamFrameSize ByteCount = 128

// MaxPostHandshakeCryptoFrameSize is the maximum size of CRYPTO frames
// we send after the handshake completes.
const MaxPostHandshakeCryptoFrameSize = 1000

// MaxAckFrameSize is the maximum size for an ACK frame that we write.
// Due to the varint encoding, ACK frames can grow (almost) indefinitely large.
// The MaxAckFrameSize should be large enough to encode many ACK range,
// but must ensure that a maximum size ACK frame fits into one packet.
const MaxAckFrameSize ByteCount = 1000

// MaxCryptoStreamOffset is the maximum offset allowed on any of the crypto streams.
// This limits the size of the ClientHello and Certificates that can be received.
const MaxCryptoStreamOffset = 16 * (1 << 10)

// MinRemoteIdleTimeout is the minimum value that we accept for the remote idle timeout
const MinRemoteIdleTimeout = 5 * time.Second

// DefaultIdleTimeout is the default idle timeout
const DefaultIdleTimeout = 30 * time.Second

// DefaultHandshakeIdleTimeout is the default idle timeout used before the handshake completes.
const DefaultHandshakeIdleTimeout = 5 * time.Second

// MaxKeepAliveInterval is the maximum time until we send a packet to keep a connection alive.
// It should be shorter than the time that NATs clear their mapping.
const MaxKeepAliveInterval = 20 * time.Second

// RetiredConnectionIDDeleteTimeout is the time we persist closed connections in order to
// retransmit the CONNECTION_CLOSE.  After this time all information about the old connection will be deleted.
const RetiredConnectionIDDeleteTimeout = 5 * time.Second

// MaxAckRanges is the maximum number of ACK ranges that we send in an ACK frame.
// It also limits the number of ACK ranges we keep track of.
const MaxAckRanges = 32

// MaxNumAckPackets is the maximum number of ack-eliciting packets we receive
// before sending an ACK.
const MaxNumAckPackets = 2

// MaxNonAckElicitingAcks is the maximum number of packets containing an ACK,
// but no ack-eliciting frames, that we send in a row.
const MaxNonAckElicitingAcks = 19

// MaxConnUnprocessedPackets is the max number of packets stored in each connection, waiting to be processed.
const MaxConnUnprocessedPackets = 256

// MaxServerUnprocessedPackets is the max number of packets stored in the server, waiting to be processed.
const MaxServerUnprocessedPackets = 1024

// Max0RTTQueueingDuration is the maximum time that we store 0-RTT packets in order to wait for the corresponding Initial to be received.
const Max0RTTQueueingDuration = 100 * time.Millisecond

// Max0RTTQueues is the maximum number of connections that we buffer 0-RTT packets for.
const Max0RTTQueues = 32

// Max0RTTQueueLen is the maximum number of 0-RTT packets that we buffer for each connection.
// When a new connection is created, all buffered packets are passed to the connection immediately.
// To avoid blocking, this value has to be smaller than MaxConnUnprocessedPackets.
const Max0RTTQueueLen = 31

// MaxUndecryptablePackets limits the number of undecryptable packets that are queued in the connection.
const MaxUndecryptablePackets = 32

// DefaultConnectionBufferCount is the number of packet buffers pre-allocated per endpoint.
const DefaultConnectionBufferCount = 10000

// MaxActiveConnectionIDs is the number of connection IDs that we're storing.
const MaxActiveConnectionIDs = 4

// MaxIssuedConnectionIDs is the maximum number of connection IDs that we're issuing at the same time.
const MaxIssuedConnectionIDs = 6

// PacketsPerConnectionID is the number of packets we send using one connection ID.
// If the peer provides a connection ID (and sends us a stateless reset token),
// we switch to a new connection ID in order to prevent linkability of the connection.
const PacketsPerConnectionID = 10000

// PathValidationAmplificationFactor is the amplification limit for an unvalidated migration path,
// as a multiple of the datagram that triggered the migration.
const PathValidationAmplificationFactor = 3

// KeyUpdateInterval is the maximum number of packets we send or receive before initiating a key update.
const KeyUpdateInterval = 100 * 1000

// KeyPhaseFlipInterval is the time between proactive key updates, when enabled.
const KeyPhaseFlipInterval = 10 * time.Second

// SkipPacketInitialPeriod is the initial period length used for packet number skipping.
const SkipPacketInitialPeriod PacketNumber = 256

// SkipPacketMaxPeriod is the maximum period length used for packet number skipping.
const SkipPacketMaxPeriod PacketNumber = 128 * 1024

// MaxTokenAge is the maximum age of a token sent in a NEW_TOKEN frame.
const MaxTokenAge = 5 * time.Minute

// MaxRetryTokenAge is the maximum age of a Retry token.
const MaxRetryTokenAge = 500 * time.Millisecond

// InvalidPacketLimitAES is the maximum number of packets that we can fail to decrypt when using AEAD_AES_128_GCM or AEAD_AES_265_GCM.
const InvalidPacketLimitAES = 1 << 52

// InvalidPacketLimitChaCha is the maximum number of packets that we can fail to decrypt when using AEAD_CHACHA20_POLY1305.
const InvalidPacketLimitChaCha = 1 << 36

// MaxOutstandingSentPackets is maximum number of packets saved for retransmission.
// When reached, it blocks sending of new packets.
const MaxOutstandingSentPackets = 2048

// MaxTrackedSentPackets is maximum number of sent packets saved for retransmission.
// When reached, no more packets will be sent.
const MaxTrackedSentPackets = MaxOutstandingSentPackets * 5 / 4
