// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/canonical/conductor/core/events"
)

var upgrader = websocket.Upgrader{
	// The monitor URL is handed to browser clients on other origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// sendBuffer bounds the per-session backlog. A watcher that cannot
// keep up loses events rather than stalling the hub.
const sendBuffer = 16

// watchJob upgrades the connection and streams the job's progress
// events until the client goes away or the server shuts down.
func (w *serverWorker) watchJob(rw http.ResponseWriter, req *http.Request) {
	jobID := mux.Vars(req)["id"]
	conn, err := upgrader.Upgrade(rw, req, nil)
	if err != nil {
		logger.Debugf("upgrading watcher of job %s: %v", jobID, err)
		return
	}

	session := &wsSession{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	greeting, err := json.Marshal(events.NewConnected(jobID))
	if err != nil {
		logger.Errorf("encoding greeting for job %s: %v", jobID, err)
		_ = conn.Close()
		return
	}
	session.send <- greeting

	unsubscribe := w.config.Hub.Subscribe(events.Channel(jobID), session.forward)
	defer unsubscribe()

	session.tomb.Go(session.writeLoop)
	session.tomb.Go(session.readLoop)
	session.tomb.Go(func() error {
		select {
		case <-w.catacomb.Dying():
			session.tomb.Kill(nil)
		case <-session.tomb.Dying():
		}
		// Unblocks both pumps.
		_ = session.conn.Close()
		return nil
	})

	if err := session.tomb.Wait(); err != nil {
		logger.Debugf("watcher of job %s: %v", jobID, err)
	}
	logger.Debugf("watcher of job %s detached", jobID)
}

// wsSession is one attached watcher: a write pump draining the send
// channel and a read pump watching for the client closing.
type wsSession struct {
	tomb tomb.Tomb
	conn *websocket.Conn
	send chan []byte
}

// forward is the hub subscriber. Payloads are the raw JSON the relay
// lifted off the Redis event channel.
func (s *wsSession) forward(_ string, data interface{}) {
	payload, ok := data.([]byte)
	if !ok {
		return
	}
	select {
	case s.send <- payload:
	default:
		logger.Warningf("dropping event for a slow watcher")
	}
}

func (s *wsSession) writeLoop() error {
	for {
		select {
		case <-s.tomb.Dying():
			return tomb.ErrDying
		case payload := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return errors.Trace(err)
			}
		}
	}
}

func (s *wsSession) readLoop() error {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			// The client hung up; end of session.
			return nil
		}
	}
}
