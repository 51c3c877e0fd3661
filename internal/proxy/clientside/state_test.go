package clientside

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fadenfire/factorio-cacher/internal/gameproto"
	"github.com/fadenfire/factorio-cacher/internal/proxy"
)

func TestOnPacketFromClient_ForwardsOrdinaryPackets(t *testing.T) {
	s := newProxyState()
	out := s.onPacketFromClient([]byte{0x10, 0x20, 0x30})
	require.Len(t, out, 1)
	assert.Equal(t, proxy.ToServer, out[0].Dir)
	assert.Equal(t, []byte{0x10, 0x20, 0x30}, out[0].Data)
}

func TestOnPacketFromClient_QueuesBlockRequestWithNoWorldData(t *testing.T) {
	s := newProxyState()
	req := gameproto.TransferBlockRequest{BlockID: 3}.EncodeFullPacket()
	out := s.onPacketFromClient(req)
	assert.Empty(t, out)
	_, pending := s.pendingRequests[3]
	assert.True(t, pending)
}

func TestOnPacketFromClient_FulfillsBlockRequestImmediatelyWhenDataPresent(t *testing.T) {
	s := newProxyState()
	s.worldData = make([]byte, gameproto.TransferBlockSize*2)
	for i := range s.worldData[gameproto.TransferBlockSize:] {
		s.worldData[gameproto.TransferBlockSize+i] = 0xAB
	}

	req := gameproto.TransferBlockRequest{BlockID: 1}.EncodeFullPacket()
	out := s.onPacketFromClient(req)
	require.Len(t, out, 1)
	assert.Equal(t, proxy.ToClient, out[0].Dir)

	block, err := gameproto.DecodeTransferBlock(out[0].Data[1:])
	require.NoError(t, err)
	assert.Equal(t, uint32(1), block.BlockID)
	assert.Equal(t, s.worldData[gameproto.TransferBlockSize:], block.Data)
}

func TestOnNewWorldData_FulfillsPendingRequestsAsDataArrives(t *testing.T) {
	s := newProxyState()
	s.pendingRequests[0] = struct{}{}
	s.pendingRequests[1] = struct{}{}

	// Only enough data for block 0 arrives first.
	out := s.onNewWorldData(make([]byte, gameproto.TransferBlockSize))
	require.Len(t, out, 1)
	assert.Contains(t, s.pendingRequests, uint32(1))
	assert.NotContains(t, s.pendingRequests, uint32(0))

	// The rest of block 1 arrives.
	out = s.onNewWorldData(make([]byte, gameproto.TransferBlockSize))
	require.Len(t, out, 1)
	assert.Empty(t, s.pendingRequests)
}

func TestOnPacketFromClient_DropsWorldDataAfterTimeoutOnceDone(t *testing.T) {
	s := newProxyState()
	s.worldData = make([]byte, gameproto.TransferBlockSize)
	s.onWorldDataDone()
	s.lastBlockRequest = time.Now().Add(-2 * proxy.WorldDataTimeout)

	s.onPacketFromClient([]byte{0x01})
	assert.Nil(t, s.worldData)
}

func TestOnPacketFromClient_KeepsWorldDataBeforeTimeout(t *testing.T) {
	s := newProxyState()
	s.worldData = make([]byte, gameproto.TransferBlockSize)
	s.onWorldDataDone()

	s.onPacketFromClient([]byte{0x01})
	assert.NotNil(t, s.worldData)
}

func TestSortedUint32s_ReturnsAscendingOrder(t *testing.T) {
	m := map[uint32]struct{}{5: {}, 1: {}, 3: {}}
	assert.Equal(t, []uint32{1, 3, 5}, sortedUint32s(m))
}
