package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/fleetrelay/db"
	"github.com/maxpert/fleetrelay/notify"
	"github.com/maxpert/fleetrelay/publisher"
)

// wsTransport writes each event as one JSON text frame
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
}

// Send implements notify.Transport
func (t *wsTransport) Send(_ context.Context, ev db.ChangeEvent) error {
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	return t.conn.WriteJSON(ev.Message)
}

// Close implements notify.Transport
func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
	})
	return err
}

// handleFeed upgrades to a websocket and serves the feed until either side
// goes away. Inbound frames are read only to notice the client closing.
func (s *Server) handleFeed(feed *publisher.Feed) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error
			log.Debug().Err(err).Str("feed", feed.Name()).Msg("Websocket upgrade failed")
			return
		}

		transport := &wsTransport{conn: conn, writeTimeout: s.writeTimeout}
		sub := notify.NewSubscriber(uuid.New().String(), transport)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		log.Info().
			Str("feed", feed.Name()).
			Str("subscriber", sub.ID()).
			Str("remote", r.RemoteAddr).
			Msg("Websocket client connected")

		err = feed.Attach(ctx, sub)
		if err != nil {
			log.Warn().Err(err).Str("feed", feed.Name()).Str("subscriber", sub.ID()).Msg("Websocket client dropped")
		} else {
			log.Info().Str("feed", feed.Name()).Str("subscriber", sub.ID()).Msg("Websocket client disconnected")
		}
	}
}
