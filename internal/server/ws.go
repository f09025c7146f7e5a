package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/listenbuddy/internal/eventbus"
	"github.com/MrWong99/listenbuddy/internal/fault"
	"github.com/MrWong99/listenbuddy/internal/observe"
	"github.com/MrWong99/listenbuddy/pkg/audio"
	"github.com/MrWong99/listenbuddy/pkg/types"
)

const (
	// maxFrameBytes bounds one binary audio message (about 32s at 16 kHz).
	maxFrameBytes = 1 << 20

	// writeTimeout bounds every server-initiated websocket write.
	writeTimeout = 5 * time.Second

	defaultSampleRate = 16000
)

// audioHello is the first text message on /ws/audio. It tells the client
// which session its frames belong to.
type audioHello struct {
	SessionID string `json:"session_id"`
	Format    string `json:"format"`
}

// audioControl is a text message sent by the audio client.
type audioControl struct {
	// Type "end" ends the session and closes the socket.
	Type string `json:"type"`
}

// audioNotice reports a rejected frame without closing the socket.
type audioNotice struct {
	Error string `json:"error"`
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
}

// audioFormat parses the optional rate and channels query parameters. Frames
// default to mono PCM at the ingest rate.
func (s *Server) audioFormat(q url.Values) (*audio.Converter, error) {
	from := audio.Format{SampleRate: s.sampleRate, Channels: 1}
	for key, dst := range map[string]*int{"rate": &from.SampleRate, "channels": &from.Channels} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fault.PermanentInput("server: audio format", fmt.Errorf("%s %q is not a number", key, v))
		}
		*dst = n
	}
	c, err := audio.NewConverter(from, s.sampleRate)
	if err != nil {
		return nil, fault.PermanentInput("server: audio format", err)
	}
	return c, nil
}

// handleAudio serves GET /ws/audio[?session_id=…][&rate=…&channels=…].
// Without a session id a new session is started. Frames in another format
// are downmixed and resampled to the ingest rate. Disconnecting does not end
// the session; the inactivity reaper does, unless the client sends
// {"type":"end"} first.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conv, err := s.audioFormat(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	id := r.URL.Query().Get("session_id")
	if id == "" {
		if id, err = s.deps.Sessions.Start(ctx, ""); err != nil {
			writeError(w, r, err)
			return
		}
	} else if _, err := s.deps.Sessions.Ensure(ctx, id); err != nil {
		writeError(w, r, err)
		return
	}

	ctx = observe.WithSession(ctx, id)
	log := observe.Logger(ctx)

	c, err := s.accept(w, r)
	if err != nil {
		log.Warn("server: audio upgrade failed", "err", err)
		return
	}
	defer c.CloseNow()
	c.SetReadLimit(maxFrameBytes)

	if err := s.write(ctx, c, audioHello{SessionID: id, Format: conv.Source().String()}); err != nil {
		log.Debug("server: audio hello failed", "err", err)
		return
	}
	log.Info("audio stream connected")

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			if st := websocket.CloseStatus(err); st != websocket.StatusNormalClosure && st != websocket.StatusGoingAway && ctx.Err() == nil {
				log.Debug("audio stream read ended", "err", err)
			}
			log.Info("audio stream disconnected")
			return
		}

		if typ == websocket.MessageText {
			var ctl audioControl
			if json.Unmarshal(data, &ctl) == nil && ctl.Type == "end" {
				if err := s.deps.Sessions.End(ctx, id); err != nil && !errors.Is(err, fault.ErrNotFound) {
					log.Warn("server: end session from audio stream", "err", err)
					c.Close(websocket.StatusInternalError, "end failed")
					return
				}
				c.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
			continue
		}

		if data, err = conv.Convert(data); err == nil {
			err = s.deps.Ingest.SubmitFrame(ctx, id, data)
		}
		switch {
		case err == nil:
			s.deps.Sessions.Touch(id)
		case errors.Is(err, fault.ErrNotFound), s.closedSession(ctx, id):
			c.Close(websocket.StatusPolicyViolation, "session is closed")
			return
		case errors.Is(err, fault.ErrPermanentInput), errors.Is(err, audio.ErrMisaligned):
			if werr := s.write(ctx, c, audioNotice{Error: err.Error()}); werr != nil {
				return
			}
		default:
			log.Warn("server: submit frame", "err", err)
		}
	}
}

// closedSession reports whether id no longer accepts frames.
func (s *Server) closedSession(ctx context.Context, id string) bool {
	sess, err := s.deps.Sessions.Get(ctx, id)
	if err != nil {
		return true
	}
	return sess.State != types.SessionOpen
}

// handleEvents serves GET /ws/events?session_id=…. The first message is the
// init snapshot; the socket closes after the session's closed event, or with
// StatusPolicyViolation when the client cannot keep up.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	if id == "" {
		writeError(w, r, fault.PermanentInput("server: events", errors.New("session_id is required")))
		return
	}
	sub, err := s.deps.Events.Subscribe(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer sub.Close()

	c, err := s.accept(w, r)
	if err != nil {
		observe.Logger(observe.WithSession(r.Context(), id)).Warn("server: events upgrade failed", "err", err)
		return
	}
	defer c.CloseNow()

	ctx := c.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				switch {
				case errors.Is(sub.Err(), eventbus.ErrSlowConsumer):
					c.Close(websocket.StatusPolicyViolation, "slow consumer")
				default:
					c.Close(websocket.StatusNormalClosure, "session closed")
				}
				return
			}
			if err := s.write(ctx, c, ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, c *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, v)
}
