// =============================================================================
// 文件: internal/transport/wsconn.go
// 描述: WebSocket 传输层 - 将消息边界的 WebSocket 连接适配为流式 net.Conn
// =============================================================================
package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WSConn 将一个 *websocket.Conn 适配为 net.Conn，
// 把消息边界拉平成字节流，供上层的定长帧编解码器直接使用。
type WSConn struct {
	conn   *websocket.Conn
	reader []byte // 上一条消息尚未读完的剩余字节
}

// DialWS 以 WebSocket 拨号到 addr，path 为升级请求的路径 (如 "/ws")。
func DialWS(ctx context.Context, addr, path string) (net.Conn, error) {
	u := fmt.Sprintf("ws://%s%s", addr, path)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	c, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", u, err)
	}
	return &WSConn{conn: c}, nil
}

// UpgradeWS 将一个 HTTP 升级请求转换为 net.Conn，供服务端路径监听使用。
func UpgradeWS(w http.ResponseWriter, r *http.Request) (net.Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &WSConn{conn: c}, nil
}

func (c *WSConn) Read(b []byte) (int, error) {
	for len(c.reader) == 0 {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		c.reader = data
	}
	n := copy(b, c.reader)
	c.reader = c.reader[n:]
	return n, nil
}

func (c *WSConn) Write(b []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *WSConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *WSConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *WSConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *WSConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *WSConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
