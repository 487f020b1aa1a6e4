package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"callrelay/broker/internal/eventbus"
	"callrelay/broker/internal/logging"
)

const (
	// writeWait is the write deadline for outgoing frames.
	writeWait = 10 * time.Second
	// pingInterval drives keepalive pings to subscriber connections.
	pingInterval = 30 * time.Second
	// pongWaitMultiplier sets the read deadline relative to pingInterval.
	pongWaitMultiplier = 2
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Subscribable is the surface the subscriber feed requires of the event bus.
type Subscribable interface {
	Subscribe() *eventbus.Subscription
}

// wireEvent is the JSON envelope pushed to WebSocket subscribers; exactly
// the fields for the published kind are populated.
type wireEvent struct {
	Event            string   `json:"event"`
	CallID           string   `json:"call_id"`
	Sequence         *int64   `json:"sequence,omitempty"`
	TotalReceived    *int     `json:"total_received,omitempty"`
	MissingSequences *[]int64 `json:"missing_sequences,omitempty"`
	FromState        string   `json:"from_state,omitempty"`
	ToState          string   `json:"to_state,omitempty"`
	Transcription    string   `json:"transcription,omitempty"`
	Sentiment        string   `json:"sentiment,omitempty"`
	Reason           string   `json:"reason,omitempty"`
}

// encodeEvent maps a bus event to its wire schema. The ok result is false
// for an envelope with no payload, which indicates a publisher bug and is
// skipped rather than pushed as an empty frame.
func encodeEvent(event eventbus.Event) ([]byte, bool) {
	wire := wireEvent{Event: string(event.Kind)}
	switch {
	case event.PacketReceived != nil:
		p := event.PacketReceived
		wire.CallID = p.CallID
		sequence := p.Sequence
		total := p.TotalReceived
		wire.Sequence = &sequence
		wire.TotalReceived = &total
		missing := p.Missing
		if missing == nil {
			missing = []int64{}
		}
		wire.MissingSequences = &missing
	case event.StateChanged != nil:
		s := event.StateChanged
		wire.CallID = s.CallID
		wire.FromState = s.FromState
		wire.ToState = s.ToState
	case event.AICompleted != nil:
		a := event.AICompleted
		wire.CallID = a.CallID
		wire.Transcription = a.Transcription
		wire.Sentiment = a.Sentiment
	case event.AIFailed != nil:
		f := event.AIFailed
		wire.CallID = f.CallID
		wire.Reason = f.Reason
	default:
		return nil, false
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, false
	}
	return payload, true
}

// handleSubscriptions upgrades the request to a WebSocket connection and
// streams lifecycle events until the subscriber disconnects or falls so far
// behind that the bus drops it.
func (h *HandlerSet) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	logger := logging.LoggerFromContext(r.Context()).With(
		logging.String("handler", "subscriptions"),
		logging.String("remote_addr", r.RemoteAddr),
	)
	if h.bus == nil {
		http.Error(w, "subscriptions unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", logging.Error(err))
		return
	}
	sub := h.bus.Subscribe()
	if h.metrics != nil {
		h.metrics.SubscribersConnected.Inc()
	}

	waitDuration := time.Duration(pongWaitMultiplier) * pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(waitDuration))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	done := make(chan struct{})

	//1.- Reader exists only to notice the peer closing; inbound frames are discarded.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn("unexpected websocket close", logging.Error(err))
				}
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(waitDuration))
		}
	}()

	pingTicker := time.NewTicker(pingInterval)
	defer func() {
		pingTicker.Stop()
		sub.Unsubscribe()
		_ = conn.Close()
		if h.metrics != nil {
			h.metrics.SubscribersConnected.Dec()
		}
	}()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				//2.- The bus dropped this subscriber for falling behind; close out.
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber too slow"))
				return
			}
			payload, ok := encodeEvent(event)
			if !ok {
				logger.Error("skipping event with no payload")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Warn("subscriber write failed", logging.Error(err))
				return
			}
			if h.metrics != nil {
				h.metrics.EventsDelivered.Inc()
			}
		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
