package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/pagerelay/internal/protocol"
)

const defaultReadLimit = 8 << 20

// WebsocketDialer dials the relay's room endpoint. With BindProject set the
// relay pins the connection to the dialed project and refuses joins elsewhere;
// leave it unset when the session may switch projects over one connection.
type WebsocketDialer struct {
	HTTPClient  *http.Client
	ReadLimit   int64
	BindProject bool
}

func (d WebsocketDialer) Dial(ctx context.Context, rawURL, token, projectID string) (Conn, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if d.BindProject {
		q := u.Query()
		q.Set("projectId", projectID)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	c, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	readLimit := d.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	c.SetReadLimit(readLimit)
	return WrapWebsocket(c), nil
}

// WrapWebsocket adapts an established websocket to the Conn interface. The relay
// uses it for accepted connections too.
func WrapWebsocket(c *websocket.Conn) Conn {
	return &websocketConn{c: c}
}

type websocketConn struct {
	c *websocket.Conn
}

func (w *websocketConn) Read(ctx context.Context) (protocol.Envelope, error) {
	var env protocol.Envelope
	err := wsjson.Read(ctx, w.c, &env)
	return env, err
}

func (w *websocketConn) Write(ctx context.Context, env protocol.Envelope) error {
	return wsjson.Write(ctx, w.c, env)
}

func (w *websocketConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}
