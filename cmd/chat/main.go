// Command chat is an interactive terminal client for the SocialChat
// realtime core: messaging, presence, typing indicators and video call
// signaling over one persistent channel.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/Aks-20/SocialChat/internal/call"
	"github.com/Aks-20/SocialChat/internal/chat"
	"github.com/Aks-20/SocialChat/internal/config"
	"github.com/Aks-20/SocialChat/internal/conn"
	"github.com/Aks-20/SocialChat/internal/dispatch"
	"github.com/Aks-20/SocialChat/internal/presence"
	"github.com/Aks-20/SocialChat/internal/protocol"
	"github.com/Aks-20/SocialChat/internal/typing"
)

func main() {
	cfg, err := config.ParseClientFlags()
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

	log.Info().Str("user", cfg.UserID).Str("server", cfg.ServerURL).Msg("SocialChat starting")

	roster := presence.NewTracker()
	typingReg := typing.NewRegistry(typing.DefaultTTL, log)
	dispatcher := dispatch.New(roster, typingReg, log)

	mgr := conn.NewManager(conn.Options{URL: cfg.ServerURL}, dispatcher, func(s conn.State) {
		if s == conn.StateLost {
			log.Error().Msg("disconnected: all reconnect attempts failed")
			return
		}
		log.Info().Str("state", s.String()).Msg("connection")
	}, log)

	chatMgr := chat.NewManager(mgr, cfg.UserID, log)
	defer chatMgr.Close()

	orch := call.NewOrchestrator(call.Config{
		UserID:  cfg.UserID,
		Sender:  mgr,
		Factory: call.NewPionFactory(call.DefaultICEServers, log),
		Media:   call.MediaSourceFunc(localTracks),
		OnState: func(callID string, s call.State) {
			log.Info().Str("call", callID).Str("state", s.String()).Msg("call")
		},
		Logger: log,
	})
	orch.Bind(dispatcher)

	dispatcher.Subscribe(protocol.TypeNewMessage, func(data json.RawMessage) {
		var p protocol.NewMessagePayload
		if json.Unmarshal(data, &p) != nil {
			return
		}
		fmt.Printf("[%s] %s\n", p.SenderID, p.Content)
	})
	dispatcher.Subscribe(protocol.TypeMessageSent, func(data json.RawMessage) {
		var p protocol.NewMessagePayload
		if json.Unmarshal(data, &p) != nil {
			return
		}
		log.Debug().Str("id", p.ID).Msg("message delivered to server")
	})
	dispatcher.Subscribe(protocol.TypeMessageRead, func(data json.RawMessage) {
		var p protocol.ReadReceiptPayload
		if json.Unmarshal(data, &p) != nil {
			return
		}
		fmt.Printf("(read) %s\n", p.MessageID)
	})

	mgr.Connect(cfg.UserID)
	defer mgr.Close()
	defer orch.Close()

	repl(chatMgr, orch, roster, typingReg)
}

// repl reads commands from stdin until /quit or EOF.
func repl(chatMgr *chat.Manager, orch *call.Orchestrator,
	roster *presence.Tracker, typingReg *typing.Registry) {

	fmt.Println("commands: /who /msg <user> <text> /status <s> /typing <user> /read <id> <user> /call <user> /accept /reject /hangup /quit")

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")
		switch cmd {
		case "/quit":
			return
		case "/who":
			for _, id := range roster.Online() {
				peers := typingReg.TypingUsers(chatMgr.ConversationWith(id))
				typingMark := ""
				if len(peers) > 0 {
					typingMark = " (typing)"
				}
				fmt.Printf("  %s [%s]%s\n", id, roster.StatusOf(id), typingMark)
			}
		case "/msg":
			to, text, ok := strings.Cut(rest, " ")
			if !ok {
				fmt.Println("usage: /msg <user> <text>")
				continue
			}
			chatMgr.StopTyping(chatMgr.ConversationWith(to))
			if _, err := chatMgr.SendMessage(to, text, ""); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
		case "/status":
			if err := chatMgr.SetStatus(rest); err != nil {
				fmt.Printf("status failed: %v\n", err)
			}
		case "/typing":
			chatMgr.Keystroke(chatMgr.ConversationWith(rest))
		case "/read":
			id, peer, ok := strings.Cut(rest, " ")
			if !ok {
				fmt.Println("usage: /read <message-id> <user>")
				continue
			}
			if err := chatMgr.MarkRead(id, chatMgr.ConversationWith(peer)); err != nil {
				fmt.Printf("mark read failed: %v\n", err)
			}
		case "/call":
			callID, err := orch.StartCall(rest)
			if err != nil {
				fmt.Printf("call failed: %v\n", err)
				continue
			}
			fmt.Printf("calling %s (%s)\n", rest, callID)
		case "/accept":
			if err := orch.Accept(); err != nil {
				fmt.Printf("accept failed: %v\n", err)
			}
		case "/reject":
			if err := orch.Reject(); err != nil {
				fmt.Printf("reject failed: %v\n", err)
			}
		case "/hangup":
			if err := orch.HangUp(); err != nil {
				fmt.Printf("hangup failed: %v\n", err)
			}
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
	}
}

// localTracks builds the opaque media-track handles attached to calls.
// Real capture is the platform layer's concern; the core only negotiates
// the session around these handles.
func localTracks() ([]webrtc.TrackLocal, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "socialchat")
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "socialchat")
	if err != nil {
		return nil, err
	}
	return []webrtc.TrackLocal{audio, video}, nil
}
