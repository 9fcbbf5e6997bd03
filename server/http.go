package server

import (
	"io"
	"log"
	"net/http"

	"github.com/esptimecast/flasherd-go/core"
	"github.com/esptimecast/flasherd-go/firmware"
	"github.com/esptimecast/flasherd-go/memorywriter"
	"github.com/esptimecast/flasherd-go/prefs"
	"github.com/esptimecast/flasherd-go/server/api"
	"github.com/esptimecast/flasherd-go/server/status"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// The daemon listens on loopback only; the hosted installer page talks
// to it cross-origin and everything else is rejected by the CORS layer
// in the api package.
const serverAddr = "127.0.0.1:21728"

type Server struct {
	https *http.Server
	core  *core.Core
}

func New(
	c *core.Core,
	fw *firmware.Registry,
	p *prefs.Prefs,
	stderrWriter io.Writer,
	shortMemoryWriter, longMemoryWriter *memorywriter.MemoryWriter,
	version string,
) (*Server, error) {
	https := &http.Server{
		Addr: serverAddr,
	}
	s := &Server{
		https: https,
		core:  c,
	}

	r := mux.NewRouter()

	sr := r.PathPrefix("/status").Subrouter()
	status.ServeStatus(sr, c, fw, version, shortMemoryWriter, longMemoryWriter)

	ar := r.PathPrefix("/").Subrouter()
	err := api.ServeAPI(ar, c, p, version, longMemoryWriter)
	if err != nil {
		return nil, err
	}

	var h http.Handler = r
	// Log after the request is done, in the Apache format.
	h = handlers.LoggingHandler(stderrWriter, h)
	// Log when the request is received.
	h = logRequest(h)

	https.Handler = h

	return s, nil
}

func logRequest(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL)
		handler.ServeHTTP(w, r)
	})
}

func (s *Server) Run() error {
	return s.https.ListenAndServe()
}

func (s *Server) Close() error {
	return s.https.Close()
}
