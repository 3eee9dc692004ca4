// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mesh implements distrib.Runtime over HTTP for deployments with
// one OS process per rank. Every rank runs a small HTTP server; operations
// are dispatched as blocking POSTs to the target rank, and barriers are a
// long-poll rendezvous coordinated by the lowest rank of the group.
//
// The full worker map (rank -> address) is part of the configuration, so no
// discovery protocol is needed: like group membership, it is derived
// identically on every rank.
package mesh

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/piperpc/distrib"
	"github.com/gomlx/piperpc/internal/xsync"
)

// Config configures one rank's mesh endpoint.
type Config struct {
	// Rank of this process, in [0, len(Addresses)).
	Rank int

	// Addresses of every rank's mesh server, indexed by rank
	// ("host:port"; port 0 is not supported, since every rank must know
	// every address up front).
	Addresses []string
}

// WorkerName is the conventional logical name of a rank's worker, used in
// worker maps handed to the pipelining engine.
func WorkerName(rank int) string {
	return fmt.Sprintf("worker%d", rank)
}

// Runtime implements distrib.Runtime over HTTP. Create with New, release
// with Shutdown.
type Runtime struct {
	cfg     Config
	session string

	server   *http.Server
	listener net.Listener
	client   *http.Client

	mu       sync.Mutex
	handlers map[string]distrib.OpHandler
	barriers map[string]*barrierGen
	seq      map[string]int
	down     bool
}

// barrierGen tracks one generation of one group's barrier on the
// coordinating rank.
type barrierGen struct {
	arrived int
	release *xsync.Latch
}

var _ distrib.Runtime = (*Runtime)(nil)

// New binds this rank's address and starts serving the mesh endpoints.
// It returns as soon as the listener is up; peers may connect immediately.
func New(cfg Config) (*Runtime, error) {
	if cfg.Rank < 0 || cfg.Rank >= len(cfg.Addresses) {
		return nil, errors.Errorf("mesh rank %d out of range for %d addresses", cfg.Rank, len(cfg.Addresses))
	}
	r := &Runtime{
		cfg:      cfg,
		session:  uuid.NewString(),
		client:   &http.Client{}, // No timeout: calls block until the remote completes.
		handlers: make(map[string]distrib.OpHandler),
		barriers: make(map[string]*barrierGen),
		seq:      make(map[string]int),
	}
	router := mux.NewRouter()
	router.HandleFunc("/v1/op/{name}", r.handleOp).Methods(http.MethodPost)
	router.HandleFunc("/v1/barrier/{group}/{seq}", r.handleBarrierArrive).Methods(http.MethodPost)

	listener, err := net.Listen("tcp", cfg.Addresses[cfg.Rank])
	if err != nil {
		return nil, errors.Wrapf(err, "mesh rank %d binding %s", cfg.Rank, cfg.Addresses[cfg.Rank])
	}
	r.listener = listener
	r.server = &http.Server{Handler: router}
	go func() {
		serveErr := r.server.Serve(listener)
		if serveErr != nil && serveErr != http.ErrServerClosed {
			klog.Errorf("mesh rank %d server stopped: %v", cfg.Rank, serveErr)
		}
	}()
	klog.V(1).Infof("mesh rank %d (%s) serving on %s, session %s",
		cfg.Rank, WorkerName(cfg.Rank), listener.Addr(), r.session)
	return r, nil
}

// Rank implements distrib.Runtime.
func (r *Runtime) Rank() int { return r.cfg.Rank }

// WorldSize implements distrib.Runtime.
func (r *Runtime) WorldSize() int { return len(r.cfg.Addresses) }

// RegisterOp implements distrib.Runtime.
func (r *Runtime) RegisterOp(op string, handler distrib.OpHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[op] = handler
}

// Call implements distrib.Runtime: a blocking POST of the payload to the
// target rank's op endpoint. A non-200 response surfaces as a
// *distrib.RemoteError carrying the remote failure text.
func (r *Runtime) Call(targetRank int, op string, payload []byte) error {
	if targetRank < 0 || targetRank >= len(r.cfg.Addresses) {
		return errors.Errorf("call to rank %d outside world of size %d", targetRank, len(r.cfg.Addresses))
	}
	url := fmt.Sprintf("http://%s/v1/op/%s", r.cfg.Addresses[targetRank], op)
	klog.V(2).Infof("mesh rank %d -> rank %d op %q (%d bytes)", r.cfg.Rank, targetRank, op, len(payload))
	resp, err := r.post(url, payload)
	if err != nil {
		return &distrib.RemoteError{Rank: targetRank, Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &distrib.RemoteError{Rank: targetRank, Op: op, Err: errors.Errorf("%s", string(body))}
	}
	return nil
}

// Barrier implements distrib.Runtime. Every member (the coordinator
// included) posts its arrival to the group's lowest rank and blocks until
// that rank has seen every member of the same barrier generation.
// Generations are per-rank sequence numbers: SPMD usage guarantees the n-th
// barrier on a group matches across members.
func (r *Runtime) Barrier(group *distrib.Group) error {
	if !group.Contains(r.cfg.Rank) {
		return errors.Errorf("rank %d is not a member of %s", r.cfg.Rank, group)
	}
	r.mu.Lock()
	seq := r.seq[group.Name()]
	r.seq[group.Name()]++
	r.mu.Unlock()

	coordinator := group.Leader()
	url := fmt.Sprintf("http://%s/v1/barrier/%s/%d?size=%d",
		r.cfg.Addresses[coordinator], group.Name(), seq, group.Size())
	resp, err := r.post(url, nil)
	if err != nil {
		return errors.Wrapf(err, "rank %d arriving at barrier %s#%d", r.cfg.Rank, group.Name(), seq)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return errors.Errorf("barrier %s#%d rejected on rank %d: %s", group.Name(), seq, coordinator, string(body))
	}
	return nil
}

// Shutdown implements distrib.Runtime. In-flight barriers this rank
// coordinates are released with an error to avoid hanging peers forever on
// a dead coordinator.
func (r *Runtime) Shutdown() error {
	r.mu.Lock()
	if r.down {
		r.mu.Unlock()
		return nil
	}
	r.down = true
	r.mu.Unlock()
	klog.V(1).Infof("mesh rank %d shutting down", r.cfg.Rank)
	return errors.Wrapf(r.server.Close(), "mesh rank %d shutdown", r.cfg.Rank)
}

func (r *Runtime) post(url string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, url, readerFor(payload))
	if err != nil {
		return nil, errors.Wrap(err, "building mesh request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Piperpc-Session", r.session)
	return r.client.Do(req)
}

func (r *Runtime) handleOp(w http.ResponseWriter, req *http.Request) {
	op := mux.Vars(req)["name"]
	payload, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("reading op %q payload: %v", op, err), http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	handler, found := r.handlers[op]
	r.mu.Unlock()
	if !found {
		http.Error(w, fmt.Sprintf("no handler registered for op %q on rank %d", op, r.cfg.Rank), http.StatusNotFound)
		return
	}
	if err = handler(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (r *Runtime) handleBarrierArrive(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	key := vars["group"] + "#" + vars["seq"]
	size := 0
	if _, err := fmt.Sscanf(req.URL.Query().Get("size"), "%d", &size); err != nil || size <= 0 {
		http.Error(w, "barrier arrival missing group size", http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	gen, found := r.barriers[key]
	if !found {
		gen = &barrierGen{release: xsync.NewLatch()}
		r.barriers[key] = gen
	}
	gen.arrived++
	if gen.arrived > size {
		r.mu.Unlock()
		http.Error(w, fmt.Sprintf("barrier %s overran its group size %d", key, size), http.StatusConflict)
		return
	}
	complete := gen.arrived == size
	if complete {
		// Generation done; drop it so the key can never be reused stale.
		delete(r.barriers, key)
	}
	r.mu.Unlock()

	if complete {
		gen.release.Trigger()
	} else {
		gen.release.Wait()
	}
	w.WriteHeader(http.StatusOK)
}

func readerFor(payload []byte) io.Reader {
	if payload == nil {
		return http.NoBody
	}
	return bytes.NewReader(payload)
}
