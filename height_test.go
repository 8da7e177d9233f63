package main

import (
	"context"
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHeaderReader struct {
	number *big.Int
	err    error
}

func (f *fakeHeaderReader) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.Header{Number: f.number}, nil
}

func TestManualHeightSource(t *testing.T) {
	s := NewManualHeightSource(10)

	h, err := s.CurrentHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(10), h)

	assert.Equal(t, uint32(521), s.Advance(511))
	h, err = s.CurrentHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(521), h)
}

func TestChainHeightSource(t *testing.T) {
	t.Run("latest block", func(t *testing.T) {
		s := NewChainHeightSource(&fakeHeaderReader{number: big.NewInt(123456)})
		h, err := s.CurrentHeight(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint32(123456), h)
	})

	t.Run("overflow", func(t *testing.T) {
		s := NewChainHeightSource(&fakeHeaderReader{number: new(big.Int).SetUint64(math.MaxUint32 + 1)})
		_, err := s.CurrentHeight(context.Background())
		assert.Error(t, err)
	})

	t.Run("missing number", func(t *testing.T) {
		s := NewChainHeightSource(&fakeHeaderReader{})
		_, err := s.CurrentHeight(context.Background())
		assert.Error(t, err)
	})

	t.Run("node error", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		s := NewChainHeightSource(&fakeHeaderReader{err: errors.New("connection refused")})
		_, err := s.CurrentHeight(ctx)
		assert.Error(t, err)
	})
}
