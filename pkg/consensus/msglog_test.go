package consensus

import (
	"testing"
	"time"

	"github.com/pactbft/pactbft/pkg/crypto"
	"github.com/pactbft/pactbft/pkg/types"
)

func TestMessageLogCountsDistinctSenders(t *testing.T) {
	log := newMessageLog(1)
	hash := crypto.Sum([]byte("b"))

	for _, sender := range []types.ValidatorID{"a", "b", "c"} {
		counted, equiv := log.add(types.NewVoteMsg(types.MsgPrepare, 0, 1, hash, sender))
		if !counted || equiv {
			t.Fatalf("vote from %s: counted=%v equiv=%v", sender, counted, equiv)
		}
	}
	if got := log.count(types.MsgPrepare, 0, hash); got != 3 {
		t.Errorf("count = %d, want 3", got)
	}
	if got := log.count(types.MsgCommit, 0, hash); got != 0 {
		t.Errorf("commit count = %d, want 0", got)
	}
}

func TestMessageLogIdempotentReReceipt(t *testing.T) {
	log := newMessageLog(1)
	hash := crypto.Sum([]byte("b"))
	vote := types.NewVoteMsg(types.MsgPrepare, 0, 1, hash, "a")

	if counted, _ := log.add(vote); !counted {
		t.Fatal("first receipt should count")
	}
	counted, equiv := log.add(vote)
	if counted || equiv {
		t.Errorf("re-receipt: counted=%v equiv=%v, want false/false", counted, equiv)
	}
	if got := log.count(types.MsgPrepare, 0, hash); got != 1 {
		t.Errorf("count = %d, want 1 after duplicate", got)
	}
}

func TestMessageLogEquivocation(t *testing.T) {
	log := newMessageLog(1)
	h1 := crypto.Sum([]byte("b1"))
	h2 := crypto.Sum([]byte("b2"))

	log.add(types.NewVoteMsg(types.MsgPrepare, 0, 1, h1, "a"))
	counted, equiv := log.add(types.NewVoteMsg(types.MsgPrepare, 0, 1, h2, "a"))
	if counted || !equiv {
		t.Errorf("conflicting vote: counted=%v equiv=%v, want false/true", counted, equiv)
	}
	// First vote stands; the conflict is never counted.
	if log.count(types.MsgPrepare, 0, h1) != 1 || log.count(types.MsgPrepare, 0, h2) != 0 {
		t.Error("only the first received vote may count")
	}
	if len(log.equivocations()) != 1 {
		t.Error("conflict should be kept as evidence")
	}

	// The same sender voting the same hash in another view is fine.
	if counted, equiv := log.add(types.NewVoteMsg(types.MsgPrepare, 1, 1, h2, "a")); !counted || equiv {
		t.Error("votes in a new view are independent")
	}
}

func TestMessageLogCertificate(t *testing.T) {
	log := newMessageLog(1)
	hash := crypto.Sum([]byte("b"))
	for _, sender := range []types.ValidatorID{"a", "b", "c"} {
		vote := types.NewVoteMsg(types.MsgCommit, 2, 1, hash, sender)
		vote.Signature = []byte("sig-" + string(sender))
		log.add(vote)
	}

	cert := log.certificate(types.MsgCommit, 2, hash)
	if cert.Kind != types.MsgCommit || cert.View != 2 || cert.Height != 1 || cert.BlockHash != hash {
		t.Errorf("certificate fields wrong: %+v", cert)
	}
	if len(cert.Sigs) != 3 {
		t.Errorf("certificate has %d sigs, want 3", len(cert.Sigs))
	}
}

func TestTimerQueueOrdering(t *testing.T) {
	var q timerQueue
	base := time.Unix(0, 0)
	q.schedule(timerEntry{at: base.Add(3), kind: timerView, view: 3})
	q.schedule(timerEntry{at: base.Add(1), kind: timerView, view: 1})
	q.schedule(timerEntry{at: base.Add(2), kind: timerView, view: 2})

	for want := uint64(1); want <= 3; want++ {
		entry, ok := q.pop()
		if !ok || entry.view != want {
			t.Fatalf("pop = %+v, want view %d", entry, want)
		}
	}
	if _, ok := q.pop(); ok {
		t.Error("empty queue should report not ok")
	}
}
