package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/pactbft/pactbft/pkg/consensus"
	"github.com/pactbft/pactbft/pkg/crypto"
	"github.com/pactbft/pactbft/pkg/mempool"
	"github.com/pactbft/pactbft/pkg/metrics"
	"github.com/pactbft/pactbft/pkg/store"
	"github.com/pactbft/pactbft/pkg/types"
)

// TxBroadcaster gossips locally submitted transactions to peers.
type TxBroadcaster interface {
	BroadcastTx(tx *types.Transaction) error
}

// Server is the read/submit surface in front of the chain store, mempool and
// consensus driver. All endpoints are read-only except transaction submit.
type Server struct {
	chain  *store.ChainStore
	pool   *mempool.Mempool
	driver *consensus.Driver
	net    TxBroadcaster
	meter  *metrics.Set
	router *mux.Router
	hub    *Hub
}

func NewServer(chain *store.ChainStore, pool *mempool.Mempool, driver *consensus.Driver, net TxBroadcaster, meter *metrics.Set) *Server {
	s := &Server{
		chain:  chain,
		pool:   pool,
		driver: driver,
		net:    net,
		meter:  meter,
		router: mux.NewRouter(),
		hub:    NewHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Block endpoints
	api.HandleFunc("/blocks/latest", s.handleLatestBlock).Methods("GET")
	api.HandleFunc("/blocks/height/{height}", s.handleBlockByHeight).Methods("GET")
	api.HandleFunc("/blocks/hash/{hash}", s.handleBlockByHash).Methods("GET")

	// Transaction endpoints
	api.HandleFunc("/transactions", s.handleSubmitTx).Methods("POST")
	api.HandleFunc("/transactions/{id}", s.handleGetTx).Methods("GET")

	// Account endpoints
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{address}/history", s.handleAccountHistory).Methods("GET")

	// Node endpoints
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/mempool", s.handleMempoolInfo).Methods("GET")
	api.HandleFunc("/mempool/transactions", s.handleMempoolTxs).Methods("GET")
	api.HandleFunc("/chain/stats", s.handleChainStats).Methods("GET")

	// WebSocket commit feed
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start serves until the listener fails. Call WatchCommits beforehand to feed
// the websocket channel.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})

	log.Printf("[api] server starting on %s", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// WatchCommits relays driver commit events onto the websocket blocks channel.
func (s *Server) WatchCommits(ctx context.Context, events <-chan consensus.CommitEvent) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				s.hub.BroadcastToChannel(ChannelBlocks, map[string]any{
					"channel":    ChannelBlocks,
					"height":     ev.Height,
					"hash":       ev.Hash.String(),
					"tx_count":   ev.TxCount,
					"state_root": ev.StateRoot.String(),
				})
			}
		}
	}()
}

// ---- handlers ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLatestBlock(w http.ResponseWriter, r *http.Request) {
	block, err := s.chain.LatestBlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, blockInfo(block, true))
}

func (s *Server) handleBlockByHeight(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(mux.Vars(r)["height"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("bad height"))
		return
	}
	block, err := s.chain.GetBlockByHeight(height)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, blockInfo(block, true))
}

func (s *Server) handleBlockByHash(w http.ResponseWriter, r *http.Request) {
	raw, err := hex.DecodeString(strings.TrimPrefix(mux.Vars(r)["hash"], "0x"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("bad hash"))
		return
	}
	h, err := crypto.HashFromBytes(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	block, err := s.chain.GetBlockByHash(h)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, blockInfo(block, true))
}

// handleSubmitTx is the send_transaction path: decode, admit to the mempool
// (which validates), gossip to peers, return the id. Only boundary rejection
// reasons surface to the client.
func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("bad request body"))
		return
	}
	tx, err := req.toTransaction()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.pool.Insert(tx); err != nil {
		s.meter.TxsRejected.Inc(1)
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.meter.TxsAccepted.Inc(1)
	if err := s.net.BroadcastTx(tx); err != nil {
		log.Printf("[api] tx gossip failed: %v", err)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": tx.ID.String()})
}

func (s *Server) handleGetTx(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("bad transaction id"))
		return
	}
	if tx, height, err := s.chain.GetTransaction(id); err == nil {
		info := txInfo(tx)
		info.Height = height
		writeJSON(w, http.StatusOK, info)
		return
	}
	if tx, ok := s.pool.Get(id); ok {
		info := txInfo(tx)
		info.Pending = true
		writeJSON(w, http.StatusOK, info)
		return
	}
	writeError(w, http.StatusNotFound, errors.New("transaction not found"))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(mux.Vars(r)["address"])
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("bad address"))
		return
	}
	acct, err := s.chain.GetAccount(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountInfo{Address: acct.Address.Hex(), Balance: acct.Balance, Nonce: acct.Nonce})
}

func (s *Server) handleAccountHistory(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(mux.Vars(r)["address"])
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("bad address"))
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	txs, err := s.chain.AccountHistory(addr, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]TransactionInfo, len(txs))
	for i, tx := range txs {
		out[i] = txInfo(tx)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.driver.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, NodeStatusInfo{
		Height:      st.Height,
		View:        st.View,
		Step:        st.Step,
		IsLeader:    st.IsLeader,
		PeerCount:   st.PeerCount,
		MempoolSize: st.MempoolSize,
		Syncing:     st.Syncing,
	})
}

func (s *Server) handleMempoolInfo(w http.ResponseWriter, r *http.Request) {
	stats := s.pool.Stats()
	writeJSON(w, http.StatusOK, MempoolInfo{
		Pending:       stats.Pending,
		TotalAdded:    stats.TotalAdded,
		TotalRemoved:  stats.TotalRemoved,
		TotalRejected: stats.TotalRejected,
		FeeHistogram:  stats.FeeHistogram,
	})
}

func (s *Server) handleMempoolTxs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	txs := s.pool.Snapshot(limit)
	out := make([]TransactionInfo, len(txs))
	for i, tx := range txs {
		info := txInfo(tx)
		info.Pending = true
		out[i] = info
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleChainStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.chain.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ChainStatsInfo{
		Height:          stats.Height,
		BlockCount:      stats.BlockCount,
		TxCount:         stats.TxCount,
		LatestStateRoot: stats.LatestStateRoot.String(),
		Counters:        s.meter.Snapshot(),
	})
}

// ---- helpers ----

func (req *TransactionRequest) toTransaction() (*types.Transaction, error) {
	id, err := uuid.Parse(req.ID)
	if err != nil {
		return nil, errors.New("bad transaction id")
	}
	from, ok := parseAddress(req.From)
	if !ok {
		return nil, errors.New("bad from address")
	}
	to, ok := parseAddress(req.To)
	if !ok {
		return nil, errors.New("bad to address")
	}
	data, err := hexField(req.Data)
	if err != nil {
		return nil, errors.New("bad data hex")
	}
	pub, err := hexField(req.PubKey)
	if err != nil {
		return nil, errors.New("bad pub_key hex")
	}
	sig, err := hexField(req.Signature)
	if err != nil {
		return nil, errors.New("bad signature hex")
	}
	return &types.Transaction{
		ID:        id,
		From:      from,
		To:        to,
		Amount:    req.Amount,
		Fee:       req.Fee,
		Nonce:     req.Nonce,
		Timestamp: req.Timestamp,
		Data:      data,
		PubKey:    pub,
		Signature: sig,
	}, nil
}

func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func hexField(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func txInfo(tx *types.Transaction) TransactionInfo {
	return TransactionInfo{
		ID:        tx.ID.String(),
		From:      tx.From.Hex(),
		To:        tx.To.Hex(),
		Amount:    tx.Amount,
		Fee:       tx.Fee,
		Nonce:     tx.Nonce,
		Timestamp: tx.Timestamp,
		Hash:      tx.Hash().String(),
	}
}

func blockInfo(b *types.Block, withTxs bool) BlockInfo {
	info := BlockInfo{
		Height:       b.Header.Height,
		Hash:         b.Hash().String(),
		PreviousHash: b.Header.PreviousHash.String(),
		StateRoot:    b.Header.StateRoot.String(),
		TxRoot:       b.Header.TxRoot.String(),
		Timestamp:    b.Header.Timestamp,
		Proposer:     string(b.Header.Proposer),
		TxCount:      len(b.Transactions),
		Certified:    b.QuorumCert != nil,
	}
	if withTxs {
		info.Transactions = make([]TransactionInfo, len(b.Transactions))
		for i, tx := range b.Transactions {
			info.Transactions[i] = txInfo(tx)
		}
	}
	return info
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
