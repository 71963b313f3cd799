package p2p

import (
	"context"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/pactbft/pactbft/pkg/types"
)

const (
	topicTx        = "pact-tx"
	topicBlock     = "pact-block"
	topicConsensus = "pact-consensus"
)

// Handlers are the inbound callbacks the node wires in. They run on the
// subscription goroutines; the consensus driver serializes behind its queue.
type Handlers struct {
	OnTx           func(tx *types.Transaction)
	OnBlock        func(block *types.Block)
	OnBlockRequest func(fromHeight, toHeight uint64)
	OnConsensus    func(msg *types.ConsensusMessage)
}

// Config for the libp2p host.
type Config struct {
	ListenAddr string
	Bootstrap  []string
	SelfID     types.ValidatorID
	Logger     *zap.SugaredLogger
}

// Network is the gossip overlay: one gossipsub topic per payload kind.
// Gossipsub gives per-peer FIFO within a topic; cross-peer ordering is the
// protocol's problem, not ours.
type Network struct {
	h    host.Host
	ps   *pubsub.PubSub
	log  *zap.SugaredLogger
	self types.ValidatorID

	tTx, tBlock, tCons       *pubsub.Topic
	subTx, subBlock, subCons *pubsub.Subscription

	muH      sync.RWMutex
	handlers Handlers
}

func NewNetwork(ctx context.Context, cfg Config) (*Network, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}

	n := &Network{h: h, ps: ps, log: cfg.Logger, self: cfg.SelfID}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil && cfg.Logger != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if err := n.joinTopics(ctx); err != nil {
		return nil, err
	}

	go n.readLoop(ctx, n.subTx, n.decodeTx)
	go n.readLoop(ctx, n.subBlock, n.decodeBlock)
	go n.readLoop(ctx, n.subCons, n.decodeConsensus)

	if cfg.Logger != nil {
		cfg.Logger.Infow("p2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	}
	return n, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *Network) joinTopics(ctx context.Context) error {
	var err error
	if n.tTx, err = n.ps.Join(topicTx); err != nil {
		return err
	}
	if n.tBlock, err = n.ps.Join(topicBlock); err != nil {
		return err
	}
	if n.tCons, err = n.ps.Join(topicConsensus); err != nil {
		return err
	}
	if n.subTx, err = n.tTx.Subscribe(); err != nil {
		return err
	}
	if n.subBlock, err = n.tBlock.Subscribe(); err != nil {
		return err
	}
	n.subCons, err = n.tCons.Subscribe()
	return err
}

func (n *Network) SetHandlers(h Handlers) {
	n.muH.Lock()
	n.handlers = h
	n.muH.Unlock()
}

func (n *Network) Host() host.Host { return n.h }

func (n *Network) PeerCount() int { return len(n.h.Network().Peers()) }

func (n *Network) Close() error { return n.h.Close() }

// ---- outbound ----

func (n *Network) BroadcastTx(tx *types.Transaction) error {
	raw, err := gobEncode(tx)
	if err != nil {
		return err
	}
	data, err := gobEncode(txWire{From: n.self, Tx: raw})
	if err != nil {
		return err
	}
	return n.tTx.Publish(context.Background(), data)
}

func (n *Network) BroadcastBlock(block *types.Block) error {
	raw, err := gobEncode(block)
	if err != nil {
		return err
	}
	data, err := gobEncode(blockEnvelope{Block: &blockWire{From: n.self, Block: raw}})
	if err != nil {
		return err
	}
	return n.tBlock.Publish(context.Background(), data)
}

func (n *Network) RequestBlocks(fromHeight, toHeight uint64) error {
	data, err := gobEncode(blockEnvelope{Request: &blockRequestWire{
		From: n.self, FromHeight: fromHeight, ToHeight: toHeight,
	}})
	if err != nil {
		return err
	}
	return n.tBlock.Publish(context.Background(), data)
}

func (n *Network) BroadcastConsensus(msg *types.ConsensusMessage) error {
	raw, err := gobEncode(msg)
	if err != nil {
		return err
	}
	data, err := gobEncode(consensusWire{From: n.self, Msg: raw})
	if err != nil {
		return err
	}
	return n.tCons.Publish(context.Background(), data)
}

// ---- inbound ----

func (n *Network) readLoop(ctx context.Context, sub *pubsub.Subscription, decode func([]byte)) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue // own publish loops back; the driver self-delivers already
		}
		decode(msg.Data)
	}
}

func (n *Network) decodeTx(data []byte) {
	var w txWire
	if err := gobDecode(data, &w); err != nil {
		return
	}
	var tx types.Transaction
	if err := gobDecode(w.Tx, &tx); err != nil {
		return
	}
	n.muH.RLock()
	h := n.handlers
	n.muH.RUnlock()
	if h.OnTx != nil {
		h.OnTx(&tx)
	}
}

func (n *Network) decodeBlock(data []byte) {
	var env blockEnvelope
	if err := gobDecode(data, &env); err != nil {
		return
	}
	n.muH.RLock()
	h := n.handlers
	n.muH.RUnlock()

	switch {
	case env.Block != nil:
		var block types.Block
		if err := gobDecode(env.Block.Block, &block); err != nil {
			return
		}
		if h.OnBlock != nil {
			h.OnBlock(&block)
		}
	case env.Request != nil:
		if h.OnBlockRequest != nil {
			h.OnBlockRequest(env.Request.FromHeight, env.Request.ToHeight)
		}
	}
}

func (n *Network) decodeConsensus(data []byte) {
	var w consensusWire
	if err := gobDecode(data, &w); err != nil {
		return
	}
	var msg types.ConsensusMessage
	if err := gobDecode(w.Msg, &msg); err != nil {
		return
	}
	n.muH.RLock()
	h := n.handlers
	n.muH.RUnlock()
	if h.OnConsensus != nil {
		h.OnConsensus(&msg)
	}
}
