package store

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/pactbft/pactbft/pkg/crypto"
)

// Persisted layout:
//
//	block/<height BE8>          → gob block (with quorum certificate)
//	blockhash/<hash 32>         → height BE8
//	tx/<uuid 16>                → height BE8
//	hist/<address 20><height BE8><index BE4> → tx uuid
//	acct/<address 20>           → balance BE8 || nonce BE8
//	root/<height BE8>           → state root 32
//	meta/latest                 → height BE8
//	meta/txcount                → count BE8
const (
	prefixBlock     = "block/"
	prefixBlockHash = "blockhash/"
	prefixTx        = "tx/"
	prefixHist      = "hist/"
	prefixAcct      = "acct/"
	prefixRoot      = "root/"
	keyLatest       = "meta/latest"
	keyTxCount      = "meta/txcount"
)

func be8(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func blockKey(height uint64) []byte { return append([]byte(prefixBlock), be8(height)...) }

func blockHashKey(h crypto.Hash) []byte { return append([]byte(prefixBlockHash), h[:]...) }

func txKey(id uuid.UUID) []byte { return append([]byte(prefixTx), id[:]...) }

func histKey(addr common.Address, height uint64, index int) []byte {
	key := make([]byte, 0, len(prefixHist)+20+8+4)
	key = append(key, prefixHist...)
	key = append(key, addr[:]...)
	key = append(key, be8(height)...)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(index))
	return append(key, idx[:]...)
}

func histPrefix(addr common.Address) []byte {
	return append([]byte(prefixHist), addr[:]...)
}

func acctKey(addr common.Address) []byte { return append([]byte(prefixAcct), addr[:]...) }

func rootKey(height uint64) []byte { return append([]byte(prefixRoot), be8(height)...) }
