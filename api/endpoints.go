package api

import (
	"encoding/json"
	"errors"
	"fmt"
	log "github.com/sirupsen/logrus"
	"loopharness/client"
	"loopharness/logging"
	"net/http"
	"sync"
)

type (
	liveness struct {
		Up bool
	}
	readiness struct {
		Up bool
	}
)

const (
	defaultAddr = ":8080"
)

var (
	l     *liveness
	r     *readiness
	mutex sync.Mutex
	lp    *logging.LogProvider
)

func init() {

	l = &liveness{true}
	r = &readiness{false}
	lp = logging.GetLogProviderInstance(client.ID())

}

func Expose() {

	mux := http.NewServeMux()
	mux.HandleFunc("/liveness", livenessHandler)
	mux.HandleFunc("/readiness", readinessHandler)
	mux.HandleFunc("/status", statusHandler)

	go func() {
		server := &http.Server{
			Addr:    defaultAddr,
			Handler: mux,
		}
		lp.LogApiEvent(fmt.Sprintf("exposing api on '%s'", defaultAddr), log.InfoLevel)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lp.LogApiEvent(fmt.Sprintf("api server stopped: %v", err), log.ErrorLevel)
		}
	}()

}

func Ready() {

	mutex.Lock()
	{
		r.Up = true
	}
	mutex.Unlock()

	lp.LogApiEvent("harness reports readiness", log.InfoLevel)

}

func isReady() bool {

	mutex.Lock()
	defer mutex.Unlock()

	return r.Up

}

func livenessHandler(w http.ResponseWriter, req *http.Request) {

	switch req.Method {
	case http.MethodGet:
		writeJson(w, l)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}

}

func readinessHandler(w http.ResponseWriter, req *http.Request) {

	switch req.Method {
	case http.MethodGet:
		if isReady() {
			writeJson(w, readiness{true})
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}

}

func statusHandler(w http.ResponseWriter, req *http.Request) {

	switch req.Method {
	case http.MethodGet:
		writeJson(w, assembleStatus())
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}

}

func writeJson(w http.ResponseWriter, v any) {

	bytes, err := json.Marshal(v)
	if err != nil {
		lp.LogApiEvent(fmt.Sprintf("unable to marshal response: %v", err), log.ErrorLevel)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(bytes)

}
