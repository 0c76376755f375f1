// Copyright (c) 2025 BVK Chaitanya

package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bvk/bidbot/market"
	ws "github.com/gorilla/websocket"
)

const writeWait = 3 * time.Second

// WebsocketDialer dials the marketplace's websocket push channel.
type WebsocketDialer struct {
	// URL is the full websocket endpoint, e.g. "wss://host/ws".
	URL string

	// Header carries authentication headers, when required.
	Header http.Header
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := ws.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, fmt.Errorf("could not dial push channel %q: %w", d.URL, err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *ws.Conn
}

type subscribeMsg struct {
	Type       string `json:"type"`
	Collection string `json:"collection"`
}

func (c *wsConn) Subscribe(ctx context.Context, collection string) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(&subscribeMsg{Type: "subscribe", Collection: collection}); err != nil {
		return fmt.Errorf("could not subscribe to collection %q: %w", collection, err)
	}
	return nil
}

// wireEvent is the marketplace's wire shape; timestamps arrive as unix
// milliseconds.
type wireEvent struct {
	Kind       string `json:"kind"`
	Collection string `json:"collection"`
	TokenID    string `json:"tokenId"`
	Price      int64  `json:"price"`
	Maker      string `json:"maker"`
	OfferID    string `json:"offerId"`
	CreatedAt  int64  `json:"createdAt"`
}

func (c *wsConn) ReadEvent(ctx context.Context) (*market.Event, error) {
	nconn := c.conn.UnderlyingConn()
	stop := context.AfterFunc(ctx, func() {
		nconn.SetReadDeadline(time.Now())
	})

	_, msg, err := c.conn.ReadMessage()
	if !stop() {
		nconn.SetReadDeadline(time.Time{})
	}
	if err != nil {
		return nil, err
	}

	we := new(wireEvent)
	if err := json.Unmarshal(msg, we); err != nil {
		return nil, fmt.Errorf("could not decode push event: %w", err)
	}
	var ts time.Time
	if we.CreatedAt > 0 {
		ts = time.UnixMilli(we.CreatedAt)
	}
	return &market.Event{
		Kind:       market.EventKind(we.Kind),
		Collection: we.Collection,
		TokenID:    we.TokenID,
		Price:      we.Price,
		Maker:      we.Maker,
		OfferID:    market.OfferID(we.OfferID),
		Timestamp:  ts,
	}, nil
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.WriteControl(ws.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) Close() error {
	msg := ws.FormatCloseMessage(ws.CloseNormalClosure, "")
	_ = c.conn.WriteControl(ws.CloseMessage, msg, time.Now().Add(writeWait))
	return c.conn.Close()
}
