package status

import (
	"net/http"

	"github.com/esptimecast/flasherd-go/core"
	"github.com/esptimecast/flasherd-go/firmware"
	"github.com/esptimecast/flasherd-go/memorywriter"

	"github.com/gorilla/csrf"
	"github.com/gorilla/mux"
)

// This package serves the status page on /status/ and the
// log file at /status/log.gz with the detailed log

type status struct {
	core                                *core.Core
	firmware                            *firmware.Registry
	version                             string
	shortMemoryWriter, longMemoryWriter *memorywriter.MemoryWriter
}

const csrfkey = "x93jd01mc8v2lqp47hhtrbwye56a2kzn"

func ServeStatus(r *mux.Router, c *core.Core, fw *firmware.Registry, v string, mw, dmw *memorywriter.MemoryWriter) {
	status := &status{
		core:              c,
		firmware:          fw,
		version:           v,
		shortMemoryWriter: mw,
		longMemoryWriter:  dmw,
	}
	r.Methods("GET").Path("/").HandlerFunc(status.statusPage)
	r.Methods("POST").Path("/log.gz").HandlerFunc(status.statusGzip)

	r.Use(csrf.Protect([]byte(csrfkey), csrf.Secure(false)))
	r.Use(OriginCheck(map[string]string{
		"/status/":       "",
		"/status/log.gz": "http://127.0.0.1:21728",
	}))
}

func (s *status) Log(msg string) {
	s.longMemoryWriter.Println("status - " + msg)
}

func (s *status) statusGzip(w http.ResponseWriter, r *http.Request) {
	s.Log("building gzip")

	start := s.version + "\nCurrent log:\n"

	gzip, err := s.longMemoryWriter.Gzip(start)
	if err != nil {
		respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")

	_, err = w.Write(gzip)
	if err != nil {
		respondError(w, err)
		return
	}
}

func (s *status) statusPage(w http.ResponseWriter, r *http.Request) {
	s.Log("building status page")

	var templateErr error
	tports, err := s.statusEnumerate()
	if err != nil {
		s.Log("enumerate err " + err.Error())
		templateErr = err
	}

	log, err := s.shortMemoryWriter.String(s.version + "\n")
	if err != nil {
		respondError(w, err)
		return
	}

	tsessions := make([]statusTemplateSession, 0)
	for _, ss := range s.core.Sessions() {
		tsessions = append(tsessions, statusTemplateSession(ss))
	}

	tbuilds := make([]statusTemplateBuild, 0)
	for _, b := range s.firmware.Builds() {
		tbuilds = append(tbuilds, statusTemplateBuild{
			Family:  b.Family.String(),
			Version: b.Version,
		})
	}

	isErr := templateErr != nil
	strErr := ""
	if templateErr != nil {
		strErr = templateErr.Error()
	}

	data := &statusTemplateData{
		Version:   s.version,
		Firmware:  s.firmware.Name() + " " + s.firmware.Version(),
		Ports:     tports,
		PortCount: len(tports),
		Sessions:  tsessions,
		Builds:    tbuilds,
		Log:       log,
		IsError:   isErr,
		Error:     strErr,
		CSRFField: csrf.TemplateField(r),
	}

	err = statusTemplate.Execute(w, data)
	if err != nil {
		respondError(w, err)
		return
	}
}

func respondError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (s *status) statusEnumerate() ([]statusTemplatePort, error) {
	e, err := s.core.Enumerate()
	if err != nil {
		return nil, err
	}

	tports := make([]statusTemplatePort, 0)
	for _, entry := range e {
		tports = append(tports, makeStatusTemplatePort(entry))
	}
	return tports, nil
}

func makeStatusTemplatePort(entry core.EnumerateEntry) statusTemplatePort {
	var session string
	if entry.Session != nil {
		session = *entry.Session
	}
	return statusTemplatePort{
		Path:      entry.Path,
		Espressif: entry.Espressif,
		Used:      entry.Session != nil,
		Session:   session,
	}
}
