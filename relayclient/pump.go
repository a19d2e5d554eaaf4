package relayclient

import (
	"context"

	"github.com/coder/websocket"
)

// wsPump runs a single background reader over a websocket connection and
// republishes binary frames on a channel, turning the blocking Read call
// into something Update can poll non-blockingly.
type wsPump struct {
	inbound chan []byte
	errCh   chan error
}

func newWsPump(ws *websocket.Conn) *wsPump {
	p := &wsPump{
		inbound: make(chan []byte, 128),
		errCh:   make(chan error, 1),
	}
	go p.run(ws)
	return p
}

func (p *wsPump) run(ws *websocket.Conn) {
	defer close(p.inbound)
	for {
		_, data, err := ws.Read(context.Background())
		if err != nil {
			p.errCh <- err
			return
		}
		p.inbound <- data
	}
}
