package ingest

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var positionChangedTopic = crypto.Keccak256Hash([]byte("PositionChanged(uint256,address,uint256,uint256)"))

// positionChangedLog builds a decodable PositionChanged log at the given
// block.
func positionChangedLog(t *testing.T, seasonID, block uint64) types.Log {
	t.Helper()

	uint256Ty, err := abi.NewType("uint256", "", nil)
	require.NoError(t, err)
	data, err := abi.Arguments{{Type: uint256Ty}, {Type: uint256Ty}}.Pack(big.NewInt(100), big.NewInt(1000))
	require.NoError(t, err)

	participant := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	return types.Log{
		Topics: []common.Hash{
			positionChangedTopic,
			common.BigToHash(new(big.Int).SetUint64(seasonID)),
			common.BytesToHash(common.LeftPadBytes(participant.Bytes(), 32)),
		},
		Data:        data,
		BlockNumber: block,
	}
}

// fakeHead serves a scripted sequence of head blocks, repeating the last one.
type fakeHead struct {
	mu    sync.Mutex
	heads []uint64
}

func (h *fakeHead) BlockNumber(context.Context) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	head := h.heads[0]
	if len(h.heads) > 1 {
		h.heads = h.heads[1:]
	}
	return head, nil
}

type fakeSub struct{ errs chan error }

func (s *fakeSub) Unsubscribe() {}

func (s *fakeSub) Err() <-chan error { return s.errs }

// fakeLogSource records filter ranges and lets the test feed and kill the
// live subscription.
type fakeLogSource struct {
	mu     sync.Mutex
	out    chan<- types.Log
	sub    *fakeSub
	ranged chan [2]uint64
	subbed chan struct{}
}

func newFakeLogSource() *fakeLogSource {
	return &fakeLogSource{
		ranged: make(chan [2]uint64, 4),
		subbed: make(chan struct{}, 4),
	}
}

func (s *fakeLogSource) FilterRange(_ context.Context, from, to uint64) ([]types.Log, error) {
	s.ranged <- [2]uint64{from, to}
	return nil, nil
}

func (s *fakeLogSource) Subscribe(_ context.Context, out chan<- types.Log) (ethereum.Subscription, error) {
	s.mu.Lock()
	s.out = out
	s.sub = &fakeSub{errs: make(chan error, 1)}
	sub := s.sub
	s.mu.Unlock()
	s.subbed <- struct{}{}
	return sub, nil
}

func (s *fakeLogSource) emit(lg types.Log) {
	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	out <- lg
}

func (s *fakeLogSource) drop(err error) {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	sub.errs <- err
}

func waitRange(t *testing.T, s *fakeLogSource) [2]uint64 {
	t.Helper()
	select {
	case r := <-s.ranged:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a filter call")
		return [2]uint64{}
	}
}

func waitSub(t *testing.T, s *fakeLogSource) {
	t.Helper()
	select {
	case <-s.subbed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a subscription")
	}
}

func TestRunRefiltersMissedBlocksAfterDrop(t *testing.T) {
	handler := newRecordingHandler(1)
	d := NewDispatcher(handler, 1, 8, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	source := newFakeLogSource()
	head := &fakeHead{heads: []uint64{10, 20}}
	l := NewListener(source, head, d, 5, testLogger())
	l.resubDelay = time.Millisecond

	done := make(chan struct{})
	go func() { _ = l.Run(ctx); close(done) }()

	// Startup backfill covers the window behind the head.
	assert.Equal(t, [2]uint64{5, 10}, waitRange(t, source))
	waitSub(t, source)

	// One live event at block 12, then the connection dies.
	source.emit(positionChangedLog(t, 7, 12))
	handler.wait(t)
	source.drop(errors.New("ws closed"))

	// The refill asks for exactly the blocks after the last delivered one,
	// then the stream reattaches.
	assert.Equal(t, [2]uint64{13, 20}, waitRange(t, source))
	waitSub(t, source)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
}
