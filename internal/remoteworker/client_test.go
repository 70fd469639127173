package remoteworker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/iobench/internal/benchconfig"
	"github.com/cuemby/iobench/internal/phase"
	"github.com/cuemby/iobench/internal/protocol"
)

// fakeService models just enough of the control protocol to exercise
// Client: it tracks the phase STARTPHASE last dispatched and how many times
// STATUS has been polled, reporting done after a configurable number of
// polls.
type fakeService struct {
	mu              sync.Mutex
	lastPhase       int
	pollsUntilDone  int
	statusCalls     int
	interruptCalls  int
	quitCalls       int
	pathInfoObjects []string
}

func newFakeService(pollsUntilDone int, paths []string) *httptest.Server {
	fs := &fakeService{pollsUntilDone: pollsUntilDone, pathInfoObjects: paths}
	mux := http.NewServeMux()

	mux.HandleFunc(protocol.PathPreparePhase, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get(protocol.QueryProtocolVersion) != protocol.Version {
			http.Error(w, "bad version", 400)
			return
		}
		var reply struct {
			benchconfig.PathInfoTree
			ErrorHistory string `json:"errorHistory"`
		}
		for _, p := range fs.pathInfoObjects {
			reply.Paths = append(reply.Paths, benchconfig.PathInfo{Path: p})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reply)
	})

	mux.HandleFunc(protocol.PathStartPhase, func(w http.ResponseWriter, r *http.Request) {
		code, _ := strconv.Atoi(r.URL.Query().Get(protocol.QueryBenchPhaseCode))
		fs.mu.Lock()
		fs.lastPhase = code
		fs.statusCalls = 0
		fs.mu.Unlock()
		w.WriteHeader(200)
	})

	mux.HandleFunc(protocol.PathStatus, func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.statusCalls++
		done := fs.statusCalls >= fs.pollsUntilDone
		currentPhase := fs.lastPhase
		if done {
			currentPhase = int(phase.Idle)
		}
		fs.mu.Unlock()

		_ = json.NewEncoder(w).Encode(struct {
			CurrentPhaseCode int  `json:"currentPhaseCode"`
			PhaseFinished    bool `json:"phaseFinished"`
		}{CurrentPhaseCode: currentPhase, PhaseFinished: done})
	})

	mux.HandleFunc(protocol.PathInterruptPhase, func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		if r.URL.Query().Get(protocol.QueryQuit) != "" {
			fs.quitCalls++
		} else {
			fs.interruptCalls++
		}
		fs.mu.Unlock()
		fmt.Fprint(w, "")
	})

	mux.HandleFunc(protocol.PathPrepareFile, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	})

	srv := httptest.NewServer(mux)
	return srv
}

func clientFor(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host := u.Hostname()
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return New(0, host, port)
}

func TestClientPrepareReportsPathInfoTree(t *testing.T) {
	srv := newFakeService(1, []string{"/data/a", "/data/b"})
	defer srv.Close()

	c := clientFor(t, srv)
	err := c.Prepare(context.Background(), &benchconfig.Config{TargetPaths: []string{"/data/a", "/data/b"}})
	require.NoError(t, err)

	tree := c.PathInfoTree()
	require.Len(t, tree.Paths, 2)
	assert.Equal(t, "/data/a", tree.Paths[0].Path)
}

func TestClientRunPhasePollsUntilDone(t *testing.T) {
	srv := newFakeService(2, nil)
	defer srv.Close()

	c := clientFor(t, srv)
	start := time.Now()
	err := c.RunPhase(context.Background(), phase.CreateFiles, "bench-1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestClientCloseSendsQuit(t *testing.T) {
	quitCh := make(chan string, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(protocol.PathInterruptPhase, func(w http.ResponseWriter, r *http.Request) {
		quitCh <- r.URL.Query().Get(protocol.QueryQuit)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := clientFor(t, srv)
	require.NoError(t, c.Close())

	select {
	case quit := <-quitCh:
		assert.Equal(t, "1", quit)
	default:
		t.Fatal("Close should send INTERRUPTPHASE with quit=1")
	}
}

func TestClientPrepareRejectsNonOKStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(protocol.PathPreparePhase, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", 500)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := clientFor(t, srv)
	err := c.Prepare(context.Background(), &benchconfig.Config{})
	assert.Error(t, err)
}
