package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"signal-trigger/internal/model"
	"signal-trigger/internal/service"
)

const okxPingInterval = 25 * time.Second

// OkxWsData 适用于 Okx V5 的通用响应结构
type OkxWsData struct {
	Arg struct {
		Channel string `json:"channel"`
		InstId  string `json:"instId"`
	} `json:"arg"`
	Data  json.RawMessage `json:"data"` // 延迟解析
	Event string          `json:"event"`
	Msg   string          `json:"msg"`
}

// OkxTickerData 结构体，用于解析 tickers 频道数据
type OkxTickerData struct {
	LastPrice string `json:"last"` // 最新成交价
	LastSize  string `json:"lastSz"`
	Timestamp string `json:"ts"` // 毫秒字符串
	InstId    string `json:"instId"`
}

// OkxSource 订阅 Okx V5 公共 WebSocket 的 tickers 频道
// 连接断开后等待 reconnectGap 重新连接
type OkxSource struct {
	wsURL        string
	instruments  []string // Okx instId，例如 BTC-USDT-SWAP
	reconnectGap time.Duration
	dialer       *websocket.Dialer
	logger       *zap.Logger
}

func NewOkxSource(wsURL string, instruments []string, reconnectGap time.Duration, logger *zap.Logger) *OkxSource {
	if reconnectGap <= 0 {
		reconnectGap = 5 * time.Second
	}
	logger.Info("Okx source initialized", zap.Strings("instruments", instruments))
	return &OkxSource{
		wsURL:        wsURL,
		instruments:  instruments,
		reconnectGap: reconnectGap,
		dialer:       websocket.DefaultDialer,
		logger:       logger,
	}
}

func (c *OkxSource) Run(ctx context.Context, emit func(Event)) error {
	for {
		err := c.session(ctx, emit)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Error("Okx WS session ended, attempting to reconnect...", zap.Error(err), zap.Duration("after", c.reconnectGap))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnectGap):
		}
	}
}

// session 建立一次连接并读取直到出错
func (c *OkxSource) session(ctx context.Context, emit func(Event)) error {
	c.logger.Info("Connecting to Okx WS", zap.String("url", c.wsURL))
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.wsURL, err)
	}
	defer conn.Close()

	args := make([]map[string]string, 0, len(c.instruments))
	for _, instID := range c.instruments {
		args = append(args, map[string]string{"channel": "tickers", "instId": instID})
	}
	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": args}); err != nil {
		return fmt.Errorf("send subscription: %w", err)
	}
	c.logger.Info("Subscribed to Okx TICKERS streams", zap.Int("instruments", len(args)))

	// ctx 结束时关闭连接让读循环退出；定时 ping 保持连接
	sessionDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ping := time.NewTicker(okxPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-sessionDone:
				return
			case <-ping.C:
				if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
					return
				}
			}
		}
	}()
	defer func() {
		close(sessionDone)
		wg.Wait()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		for _, tick := range c.parse(message) {
			emit(TickEvent(tick))
		}
	}
}

// parse 解析一条 WS 消息，忽略事件回执和 pong
func (c *OkxSource) parse(message []byte) []model.Tick {
	if string(message) == "pong" {
		return nil
	}

	var wsResp OkxWsData
	if err := json.Unmarshal(message, &wsResp); err != nil {
		c.logger.Debug("Ignoring non-JSON WS message", zap.ByteString("message", message))
		return nil
	}
	if wsResp.Event != "" {
		if wsResp.Event == "error" {
			c.logger.Error("Okx WS error event", zap.String("msg", wsResp.Msg))
		}
		return nil // 忽略订阅成功或取消订阅事件
	}
	if wsResp.Arg.Channel != "tickers" || len(wsResp.Data) == 0 {
		return nil
	}

	var tickers []OkxTickerData
	if err := json.Unmarshal(wsResp.Data, &tickers); err != nil {
		c.logger.Error("Tickers data unmarshal error", zap.Error(err))
		return nil
	}

	out := make([]model.Tick, 0, len(tickers))
	for _, t := range tickers {
		price, err := service.StringToFloat(t.LastPrice)
		if err != nil {
			continue
		}
		ts, err := service.StringToInt64(t.Timestamp)
		if err != nil {
			continue
		}
		instID := t.InstId
		if instID == "" {
			instID = wsResp.Arg.InstId
		}
		// tickers 是价格快照，不携带成交量
		out = append(out, model.Tick{
			Instrument: instID,
			Timestamp:  time.UnixMilli(ts),
			LastPrice:  price,
		})
	}
	return out
}
