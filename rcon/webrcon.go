package rcon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/packetflinger/wipeadmind/wipe"
)

// WebRCON is the websocket console used by Rust servers started with
// +rcon.web 1. The password is the URL path and every frame is JSON. Replies
// carry the Identifier of the request they answer; anything else on the
// socket is console chatter and is skipped.
type WebRCON struct{}

type webRequest struct {
	Identifier int    `json:"Identifier"`
	Message    string `json:"Message"`
	Name       string `json:"Name"`
}

type webResponse struct {
	Identifier int    `json:"Identifier"`
	Message    string `json:"Message"`
	Type       string `json:"Type"`
	Stacktrace string `json:"Stacktrace"`
}

func (WebRCON) Name() string {
	return "webrcon"
}

func (w WebRCON) Run(ctx context.Context, target wipe.Target, command string, timeout time.Duration) (Reply, error) {
	u := url.URL{
		Scheme: "ws",
		Host:   target.HostPort(),
		Path:   "/" + target.Password,
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return Reply{}, &TransportError{Kind: AuthRejected, Strategy: w.Name(), Err: err}
			}
			return Reply{}, &TransportError{Kind: ProtocolError, Strategy: w.Name(), Err: err}
		}
		return Reply{}, &TransportError{Kind: Classify(err), Strategy: w.Name(), Err: err}
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	id := rand.Intn(1<<30) + 1
	conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := conn.WriteJSON(webRequest{Identifier: id, Message: command, Name: "wipeadmind"}); err != nil {
		return Reply{}, &TransportError{Kind: Classify(err), Strategy: w.Name(), Err: fmt.Errorf("writing command: %v", err)}
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return Reply{}, &TransportError{Kind: Timeout, Strategy: w.Name(), Err: ctx.Err()}
			}
			if isTimeout(err) {
				return softReply(), nil
			}
			return Reply{}, &TransportError{Kind: ProtocolError, Strategy: w.Name(), Err: err}
		}
		var msg webResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return Reply{}, &TransportError{Kind: ProtocolError, Strategy: w.Name(), Err: fmt.Errorf("malformed reply: %v", err)}
		}
		if msg.Identifier == id {
			return Reply{Text: msg.Message}, nil
		}
	}
}
