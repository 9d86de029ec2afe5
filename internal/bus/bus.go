package bus

import (
	"context"
	"errors"
	"strings"

	"github.com/goccy/go-json"
)

var ErrClosed = errors.New("bus closed")

// 主题前缀
const (
	TicksPrefix      = "ticks"
	CandlesPrefix    = "candles"
	IndicatorsPrefix = "indicators"
	SignalsPrefix    = "signals"
	LatestTickPrefix = "latest_tick"

	SignalsAll = "signals:all"
)

func TicksTopic(instrument string) string {
	return TicksPrefix + ":" + instrument
}

func CandlesTopic(instrument, timeframe string) string {
	return CandlesPrefix + ":" + instrument + ":" + timeframe
}

func IndicatorsTopic(instrument string) string {
	return IndicatorsPrefix + ":" + instrument
}

func SignalsTopic(instrument string) string {
	return SignalsPrefix + ":" + instrument
}

// LatestTickKey 轮询模式下保存最新 tick 的 key
func LatestTickKey(instrument string) string {
	return LatestTickPrefix + ":" + instrument
}

// TopicKind 返回主题的第一段，用作指标标签
func TopicKind(topic string) string {
	if i := strings.IndexByte(topic, ':'); i >= 0 {
		return topic[:i]
	}
	return topic
}

// Message 订阅端收到的原始消息
type Message struct {
	Topic   string
	Payload []byte
}

// Publisher 发布消息，payload 会被编码成 JSON
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Subscriber 按模式订阅主题，ctx 结束时返回的通道被关闭
type Subscriber interface {
	Subscribe(ctx context.Context, patterns ...string) (<-chan Message, error)
}

// LatestReader 读取轮询 key 的最新值，key 不存在时 ok 为 false
type LatestReader interface {
	Latest(ctx context.Context, key string) (payload []byte, ok bool, err error)
}

// Bus 是完整的总线实现
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Encode 把 payload 编码成字节，[]byte 和 string 原样传递
func Encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return json.Marshal(p)
	}
}

// Match 按 Redis PSUBSCRIBE 的规则匹配：* 匹配任意字符（包括 ':'），? 匹配单个字符
func Match(pattern, topic string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			// 合并连续的 *
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 0 {
				return true
			}
			for i := 0; i <= len(topic); i++ {
				if Match(pattern, topic[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(topic) == 0 {
				return false
			}
		default:
			if len(topic) == 0 || pattern[0] != topic[0] {
				return false
			}
		}
		pattern = pattern[1:]
		topic = topic[1:]
	}
	return len(topic) == 0
}
