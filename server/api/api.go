package api

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/esptimecast/flasherd-go/core"
	"github.com/esptimecast/flasherd-go/memorywriter"
	"github.com/esptimecast/flasherd-go/prefs"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gorilla/mux"
)

// This package serves the actual flasher API. The logic of
// enumeration, identification and flashing is in the core package; in
// this package we deal with converting the data from the request and
// then again formatting the reply.

type api struct {
	core    *core.Core
	prefs   *prefs.Prefs
	version string
	logger  *memorywriter.MemoryWriter
}

func ServeAPI(r *mux.Router, c *core.Core, p *prefs.Prefs, v string, l *memorywriter.MemoryWriter) error {
	api := &api{
		core:    c,
		prefs:   p,
		version: v,
		logger:  l,
	}
	r.HandleFunc("/", api.Info)
	r.HandleFunc("/listen", api.Listen)
	r.HandleFunc("/enumerate", api.Enumerate)
	r.HandleFunc("/flash/start/{path}", api.FlashStart)
	r.HandleFunc("/flash/confirm/{session}", api.FlashConfirm)
	r.HandleFunc("/flash/cancel/{session}", api.FlashCancel)
	r.HandleFunc("/flash/events/{session}", api.FlashEvents)
	r.HandleFunc("/prefs", api.Prefs)
	r.HandleFunc("/prefs/set", api.PrefsSet)

	corsv, err := corsValidator()
	if err != nil {
		return err
	}
	r.Use(CORS(corsv))
	return nil
}

func (a *api) Log(s string) {
	a.logger.Println("api - " + s)
}

func (a *api) Info(w http.ResponseWriter, r *http.Request) {
	a.Log("version " + a.version)

	type info struct {
		Version string `json:"version"`
	}
	err := json.NewEncoder(w).Encode(info{
		Version: a.version,
	})
	a.checkJSONError(w, err)
}

func (a *api) Listen(w http.ResponseWriter, r *http.Request) {
	a.Log("listen starting")
	var entries []core.EnumerateEntry

	err := json.NewDecoder(r.Body).Decode(&entries)
	defer func() {
		errClose := r.Body.Close()
		if errClose != nil {
			// just log
			a.Log("error on request close: " + errClose.Error())
		}
	}()

	if err != nil {
		a.respondError(w, err)
		return
	}

	res, err := a.core.Listen(entries, r.Context())
	if err != nil {
		a.respondError(w, err)
		return
	}

	err = json.NewEncoder(w).Encode(res)
	a.checkJSONError(w, err)
}

func (a *api) Enumerate(w http.ResponseWriter, r *http.Request) {
	a.Log("enumerate start")
	e, err := a.core.Enumerate()
	if err != nil {
		a.respondError(w, err)
		return
	}
	err = json.NewEncoder(w).Encode(e)
	a.checkJSONError(w, err)
}

func (a *api) FlashStart(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	path := vars["path"]
	a.Log("flash start " + path)

	res, err := a.core.StartSession(path)
	if err != nil {
		a.respondError(w, err)
		return
	}
	err = json.NewEncoder(w).Encode(res)
	a.checkJSONError(w, err)
}

func (a *api) FlashConfirm(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	session := vars["session"]
	a.Log("flash confirm " + session)

	outcome, err := a.core.Confirm(session, r.Context())
	if outcome == core.OutcomeNone {
		// the flash never ran; a session or call error
		a.respondError(w, err)
		return
	}

	type result struct {
		Outcome string `json:"outcome"`
		Error   string `json:"error,omitempty"`
	}
	res := result{Outcome: outcome.String()}
	if err != nil {
		res.Error = err.Error()
	}
	errEnc := json.NewEncoder(w).Encode(res)
	a.checkJSONError(w, errEnc)
}

func (a *api) FlashCancel(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	session := vars["session"]
	a.Log("flash cancel " + session)

	if err := a.core.Cancel(session); err != nil {
		a.respondError(w, err)
		return
	}
	err := json.NewEncoder(w).Encode(vars)
	a.checkJSONError(w, err)
}

// FlashEvents streams session events over a websocket until the
// terminal outcome. The CORS middleware already vetted the origin, so
// the handshake itself does not check it again.
func (a *api) FlashEvents(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	session := vars["session"]
	a.Log("flash events " + session)

	events, cancel, err := a.core.Subscribe(session)
	if err != nil {
		a.respondError(w, err)
		return
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.Log("websocket accept: " + err.Error())
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				a.Log("websocket write: " + err.Error())
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *api) Prefs(w http.ResponseWriter, r *http.Request) {
	type result struct {
		KeepData bool `json:"keepData"`
	}
	err := json.NewEncoder(w).Encode(result{
		KeepData: a.prefs.KeepData(),
	})
	a.checkJSONError(w, err)
}

func (a *api) PrefsSet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		KeepData bool `json:"keepData"`
	}
	err := json.NewDecoder(r.Body).Decode(&body)
	defer r.Body.Close()
	if err != nil {
		a.respondError(w, err)
		return
	}
	if err := a.prefs.SetKeepData(body.KeepData); err != nil {
		a.respondError(w, err)
		return
	}
	err = json.NewEncoder(w).Encode(body)
	a.checkJSONError(w, err)
}

func corsValidator() (OriginValidator, error) {
	pregex, err := regexp.Compile(`^https://esptimecast\.github\.io$`)
	if err != nil {
		return nil, err
	}

	// `localhost:8xxx` and `5xxx` are added for easing local development.
	lregex, err := regexp.Compile(`^https?://localhost:[58][[:digit:]]{3}$`)
	if err != nil {
		return nil, err
	}
	v := func(origin string) bool {
		// curl and the status page itself send no Origin at all
		if origin == "" {
			return true
		}

		if lregex.MatchString(origin) {
			return true
		}

		if pregex.MatchString(origin) {
			return true
		}

		return false
	}

	return v, nil
}

func (a *api) checkJSONError(w http.ResponseWriter, err error) {
	if err != nil {
		a.respondError(w, err)
	}
}

func (a *api) respondError(w http.ResponseWriter, err error) {
	type jsonError struct {
		Error string `json:"error"`
	}
	a.Log("returning error: " + err.Error())
	w.WriteHeader(http.StatusBadRequest)

	// if even the encoder of the error errors, just log the error
	err = json.NewEncoder(w).Encode(jsonError{
		Error: err.Error(),
	})
	if err != nil {
		a.Log("error while writing error: " + err.Error())
	}
}
