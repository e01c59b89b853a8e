// Command devserver is a loopback relay implementing the server half of the
// realtime protocol, so the chat client can be exercised end to end on one
// machine.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Aks-20/SocialChat/internal/config"
	"github.com/Aks-20/SocialChat/internal/protocol"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	sendQueue    = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	cfg, err := config.ParseServerFlags()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		Level(level).With().Timestamp().Logger()

	h := newHub(log)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		serveWS(h, log, w, req)
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: r}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("devserver listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}

// serveWS upgrades the connection, waits for the join envelope, then runs
// the read and write pumps.
func serveWS(h *hub, log zerolog.Logger, w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn().Err(err).Msg("upgrade")
		return
	}

	var join protocol.Envelope
	if err := conn.ReadJSON(&join); err != nil || join.Type != protocol.TypeJoin {
		log.Warn().Err(err).Msg("expected join envelope")
		conn.Close()
		return
	}
	var p protocol.JoinPayload
	if err := join.Decode(&p); err != nil || p.UserID == "" {
		log.Warn().Err(err).Msg("malformed join payload")
		conn.Close()
		return
	}

	c := &client{userID: p.UserID, send: make(chan protocol.Envelope, sendQueue)}
	h.register(c)

	go writePump(conn, c)
	readPump(h, conn, c)
}

func readPump(h *hub, conn *websocket.Conn, c *client) {
	defer func() {
		h.unregister(c)
		conn.Close()
	}()
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		h.route(c, env)
	}
}

func writePump(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case env, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
