package chat

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrSendBufferFull は受信側が遅く送信キューが溢れたことを表す。この場合接続は閉じられる。
var ErrSendBufferFull = errors.New("send buffer full")

// client はwebsocket接続をPeerとして扱う。
// 書き込みはwritePumpゴルーチンだけが行い、Sendはキューに積むだけでブロックしない。
type client struct {
	conn   *websocket.Conn
	key    Key
	send   chan []byte
	done   chan struct{}
	config Config

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func newClient(conn *websocket.Conn, key Key, config Config) *client {
	return &client{
		conn:   conn,
		key:    key,
		send:   make(chan []byte, config.SendBuffer),
		done:   make(chan struct{}),
		config: config,
	}
}

// Send はイベントを送信キューに積む。
func (c *client) Send(e Event) error {
	data, err := EncodeEvent(e)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrPeerClosed
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
	}

	slog.Warn("chat send buffer full, closing connection",
		slog.String("user_id", c.key.UserID),
		slog.String("product_id", c.key.ProductID),
	)
	c.Close()
	return ErrSendBufferFull
}

// Close は接続を閉じる。複数回呼んでもよい。
// キューに残ったイベントはwritePumpが送り切ってからソケットを閉じる。
func (c *client) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.done)
		c.mu.Unlock()
	})
}

// writePump はキューのイベントと定期的なpingを書き込む。
// 終了時にソケットを閉じるため、readPumpのReadMessageもエラーで戻る。
func (c *client) writePump() {
	ticker := time.NewTicker(c.config.pingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.config.WriteWait))
			return
		}
	}
}

// flush はクローズ前にキューに残ったイベントを書き込む。
func (c *client) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// readPump は受信メッセージを順にhandleへ渡す。
// frameLimitを超えるフレームは残りを読み捨て、oversized=trueで通知する。
// 相手のクローズ、読み込みエラー、pongの途絶で戻る。
func (c *client) readPump(handle func(data []byte, oversized bool)) {
	c.conn.SetReadLimit(c.config.socketReadLimit())
	_ = c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	})

	limit := c.config.frameLimit()
	for {
		_, r, err := c.conn.NextReader()
		if err != nil {
			c.logReadError(err)
			return
		}

		data, err := io.ReadAll(io.LimitReader(r, limit+1))
		if err != nil {
			c.logReadError(err)
			return
		}
		if int64(len(data)) > limit {
			if _, err := io.Copy(io.Discard, r); err != nil {
				c.logReadError(err)
				return
			}
			handle(nil, true)
			continue
		}
		handle(data, false)
	}
}

func (c *client) logReadError(err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
		slog.Info("chat connection read error",
			slog.String("user_id", c.key.UserID),
			slog.String("product_id", c.key.ProductID),
			slog.String("error", err.Error()),
		)
	}
}

// compile-time interface check
var _ Peer = (*client)(nil)
