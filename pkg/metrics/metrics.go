package metrics

import gometrics "github.com/rcrowley/go-metrics"

// Set is the node's counter surface. Counters are cheap to bump from any
// goroutine; the API layer renders them on demand.
type Set struct {
	TxsAccepted     gometrics.Counter
	TxsRejected     gometrics.Counter
	TxsCommitted    gometrics.Counter
	BlocksCommitted gometrics.Counter
	ViewChanges     gometrics.Counter
	Equivocations   gometrics.Counter
	MsgRejected     gometrics.Counter
	MsgDropped      gometrics.Counter
	MempoolSize     gometrics.Gauge
	PeerCount       gometrics.Gauge
}

// NewSet registers every metric in its own registry so two nodes in one
// process (tests) do not collide.
func NewSet() *Set {
	r := gometrics.NewRegistry()
	newCounter := func(name string) gometrics.Counter {
		c := gometrics.NewCounter()
		r.Register(name, c)
		return c
	}
	newGauge := func(name string) gometrics.Gauge {
		g := gometrics.NewGauge()
		r.Register(name, g)
		return g
	}
	return &Set{
		TxsAccepted:     newCounter("txs_accepted"),
		TxsRejected:     newCounter("txs_rejected"),
		TxsCommitted:    newCounter("txs_committed"),
		BlocksCommitted: newCounter("blocks_committed"),
		ViewChanges:     newCounter("view_changes"),
		Equivocations:   newCounter("equivocations"),
		MsgRejected:     newCounter("consensus_msgs_rejected"),
		MsgDropped:      newCounter("consensus_msgs_dropped"),
		MempoolSize:     newGauge("mempool_size"),
		PeerCount:       newGauge("peer_count"),
	}
}

// Snapshot renders the counters as a plain map for the status API.
func (s *Set) Snapshot() map[string]int64 {
	return map[string]int64{
		"txs_accepted":             s.TxsAccepted.Count(),
		"txs_rejected":             s.TxsRejected.Count(),
		"txs_committed":            s.TxsCommitted.Count(),
		"blocks_committed":         s.BlocksCommitted.Count(),
		"view_changes":             s.ViewChanges.Count(),
		"equivocations":            s.Equivocations.Count(),
		"consensus_msgs_rejected":  s.MsgRejected.Count(),
		"consensus_msgs_dropped":   s.MsgDropped.Count(),
		"mempool_size":             s.MempoolSize.Value(),
		"peer_count":               s.PeerCount.Value(),
	}
}
