package main

import (
	"context"
	"math"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	ipfslog "github.com/ipfs/go-log/v2"
	"github.com/layer-3/clearsync/pkg/debounce"
	"github.com/pkg/errors"
)

var heightLogger = ipfslog.Logger("height-source")

const headerCallTimeout = 1 * time.Minute

// HeightSource reports the current height, a counter that never decreases.
type HeightSource interface {
	CurrentHeight(ctx context.Context) (uint32, error)
}

// ManualHeightSource is advanced explicitly. It backs test mode.
type ManualHeightSource struct {
	height atomic.Uint32
}

func NewManualHeightSource(start uint32) *ManualHeightSource {
	s := &ManualHeightSource{}
	s.height.Store(start)
	return s
}

func (s *ManualHeightSource) CurrentHeight(context.Context) (uint32, error) {
	return s.height.Load(), nil
}

// Advance moves the height forward and returns the new value.
func (s *ManualHeightSource) Advance(by uint32) uint32 {
	return s.height.Add(by)
}

// HeaderReader is the part of ethclient.Client the chain source needs.
type HeaderReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// ChainHeightSource uses the latest block number of an Ethereum node.
type ChainHeightSource struct {
	client HeaderReader
}

func NewChainHeightSource(client HeaderReader) *ChainHeightSource {
	return &ChainHeightSource{client: client}
}

func DialChainHeightSource(ctx context.Context, rpcURL string) (*ChainHeightSource, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to chain node")
	}
	return NewChainHeightSource(client), nil
}

func (s *ChainHeightSource) CurrentHeight(ctx context.Context) (uint32, error) {
	headerCtx, cancel := context.WithTimeout(ctx, headerCallTimeout)
	defer cancel()

	var header *types.Header
	err := debounce.Debounce(headerCtx, heightLogger, func(ctx context.Context) error {
		var err error
		header, err = s.client.HeaderByNumber(ctx, nil)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to get latest block")
	}
	if header == nil || header.Number == nil {
		return 0, errors.New("latest block has no number")
	}
	if !header.Number.IsUint64() || header.Number.Uint64() > math.MaxUint32 {
		return 0, errors.Errorf("block number %s does not fit uint32", header.Number)
	}
	return uint32(header.Number.Uint64()), nil
}
