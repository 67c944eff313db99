package rcon

import (
	"context"
	"errors"
	"time"

	gorcon "github.com/gorcon/rcon"
	"github.com/packetflinger/wipeadmind/wipe"
)

// Source speaks the Valve Source RCON protocol over TCP, which is what most
// game server hosts expose on the "rcon port".
type Source struct{}

func (Source) Name() string {
	return "source"
}

func (s Source) Run(ctx context.Context, target wipe.Target, command string, timeout time.Duration) (Reply, error) {
	conn, err := gorcon.Dial(target.HostPort(), target.Password,
		gorcon.SetDialTimeout(timeout),
		gorcon.SetDeadline(timeout),
	)
	if err != nil {
		kind := Classify(err)
		if errors.Is(err, gorcon.ErrAuthFailed) {
			kind = AuthRejected
		}
		return Reply{}, &TransportError{Kind: kind, Strategy: s.Name(), Err: err}
	}
	defer conn.Close()

	// unblock the read if the caller gives up
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	text, err := conn.Execute(command)
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, &TransportError{Kind: Timeout, Strategy: s.Name(), Err: ctx.Err()}
		}
		// the command went out, the server just didn't answer
		if isTimeout(err) {
			return softReply(), nil
		}
		return Reply{}, &TransportError{Kind: ProtocolError, Strategy: s.Name(), Err: err}
	}
	return Reply{Text: text}, nil
}
