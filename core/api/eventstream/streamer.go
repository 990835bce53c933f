package eventstream

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"github.com/gorilla/websocket"
	"github.com/vito/go-sse/sse"

	"github.com/mellea-dev/playground/core"
	"github.com/mellea-dev/playground/core/logbus"
)

const (
	// writeTimeout bounds one websocket write.
	writeTimeout = 10 * time.Second

	// pingInterval keeps idle websocket connections alive through proxies.
	pingInterval = 30 * time.Second
)

// RunSource looks up the Run whose logs are being streamed.
type RunSource interface {
	GetRun(id string) (core.Run, error)
}

// Streamer serves a Run's log stream over WebSocket and SSE. Each connection
// first receives the persisted output tail, then live entries until the
// completion entry arrives. The bus subscription is taken before the Run is
// read so no entry published in between is lost; a duplicated chunk is
// possible and acceptable.
type Streamer struct {
	logger   lager.Logger
	runs     RunSource
	bus      *logbus.Bus
	upgrader websocket.Upgrader
}

func NewStreamer(logger lager.Logger, runs RunSource, bus *logbus.Bus) *Streamer {
	return &Streamer{
		logger: logger,
		runs:   runs,
		bus:    bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// ServeWebSocket streams the run's log entries over a websocket connection.
// The run ID comes from the request path value "run_id".
func (s *Streamer) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	logger := s.logger.Session("serve-websocket", lager.Data{"run": runID})

	ctx := r.Context()

	entries, initial, done, err := s.openStream(ctx, runID)
	if err != nil {
		if core.IsNotFound(err) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		logger.Error("failed-to-open-stream", err)
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("failed-to-upgrade", err)
		return
	}
	defer conn.Close()

	// Drain client frames so close and pong handling keep working.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	write := func(entry logbus.Entry) bool {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(entry); err != nil {
			logger.Debug("client-gone", lager.Data{"error": err.Error()})
			return false
		}
		return true
	}

	if !write(initial) {
		return
	}
	if done {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		return
	}

	pings := time.NewTicker(pingInterval)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pings.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case entry, ok := <-entries:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeTimeout))
				return
			}
			if !write(entry) {
				return
			}
			if entry.IsComplete {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeTimeout))
				return
			}
		}
	}
}

// ServeSSE streams the run's log entries as server-sent events.
func (s *Streamer) ServeSSE(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	logger := s.logger.Session("serve-sse", lager.Data{"run": runID})

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()

	entries, initial, done, err := s.openStream(ctx, runID)
	if err != nil {
		if core.IsNotFound(err) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		logger.Error("failed-to-open-stream", err)
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	eventID := 0
	emit := func(entry logbus.Entry) bool {
		payload, err := json.Marshal(entry)
		if err != nil {
			logger.Error("failed-to-encode-entry", err)
			return false
		}
		event := sse.Event{
			ID:   strconv.Itoa(eventID),
			Name: "log",
			Data: payload,
		}
		if err := event.Write(w); err != nil {
			logger.Debug("client-gone", lager.Data{"error": err.Error()})
			return false
		}
		eventID++
		flusher.Flush()
		return true
	}

	if !emit(initial) {
		return
	}
	if done {
		sse.Event{Name: "end"}.Write(w)
		flusher.Flush()
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				sse.Event{Name: "end"}.Write(w)
				flusher.Flush()
				return
			}
			if !emit(entry) {
				return
			}
			if entry.IsComplete {
				sse.Event{Name: "end"}.Write(w)
				flusher.Flush()
				return
			}
		}
	}
}

// openStream subscribes to the run's channel and builds the initial entry
// carrying the persisted output tail. done reports that the run is already
// terminal, in which case no subscription is taken and entries is nil. The
// subscription is bound to ctx, so it is released when the request ends.
func (s *Streamer) openStream(ctx context.Context, runID string) (<-chan logbus.Entry, logbus.Entry, bool, error) {
	run, err := s.runs.GetRun(runID)
	if err != nil {
		return nil, logbus.Entry{}, false, err
	}

	if run.IsTerminal() {
		return nil, logbus.Entry{
			RunID:      run.ID,
			Content:    run.Output,
			Timestamp:  time.Now().UTC(),
			IsComplete: true,
		}, true, nil
	}

	// Subscribe before the re-read so nothing published in between is
	// missed.
	entries, err := s.bus.Subscribe(ctx, runID)
	if err != nil {
		return nil, logbus.Entry{}, false, err
	}

	run, err = s.runs.GetRun(runID)
	if err != nil {
		return nil, logbus.Entry{}, false, err
	}

	initial := logbus.Entry{
		RunID:      run.ID,
		Content:    run.Output,
		Timestamp:  time.Now().UTC(),
		IsComplete: run.IsTerminal(),
	}
	return entries, initial, run.IsTerminal(), nil
}
