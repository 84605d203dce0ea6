package peerlink

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/jariahh/ateliercode-sub000/internal/wire"
)

const subprotocolPrefix = "atelier."

// Subprotocol names the websocket subprotocol for a codec.
func Subprotocol(codec wire.Codec) string {
	return subprotocolPrefix + codec.Name()
}

// DialWebSocket connects to a websocket peer endpoint and negotiates the
// codec through the subprotocol.
func DialWebSocket(ctx context.Context, url string, codec wire.Codec, header http.Header) (wire.Link, error) {
	if codec == nil {
		codec = wire.JSON()
	}
	dialer := *websocket.DefaultDialer
	dialer.Subprotocols = []string{Subprotocol(codec)}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("peerlink: dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("peerlink: dial %s: %w", url, err)
	}
	if got := conn.Subprotocol(); got != "" && got != Subprotocol(codec) {
		_ = conn.Close()
		return nil, fmt.Errorf("peerlink: peer selected subprotocol %q", got)
	}
	return wire.NewWebSocketLink(conn, codec), nil
}

// WebSocketHandler upgrades requests to peer links. The codec follows the
// client's subprotocol; clients without one get defaultCodec.
func WebSocketHandler(defaultCodec wire.Codec, handle func(*http.Request, wire.Link)) http.Handler {
	if defaultCodec == nil {
		defaultCodec = wire.JSON()
	}
	upgrader := websocket.Upgrader{
		Subprotocols: []string{Subprotocol(wire.JSON()), Subprotocol(wire.CBOR())},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := pslog.Ctx(r.Context())
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("peerlink websocket upgrade failed", "err", err)
			return
		}
		codec := defaultCodec
		if proto := conn.Subprotocol(); proto != "" {
			selected, err := wire.CodecByName(strings.TrimPrefix(proto, subprotocolPrefix))
			if err != nil {
				log.Warn("peerlink websocket codec rejected", "subprotocol", proto, "err", err)
				_ = conn.Close()
				return
			}
			codec = selected
		}
		log.Debug("peerlink websocket accepted", "remote", r.RemoteAddr, "codec", codec.Name())
		handle(r, wire.NewWebSocketLink(conn, codec))
	})
}
