package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"goim-realtime/apps/relay-service/model"
	"goim-realtime/pkg/auth"
)

// 调试客户端状态
type client struct {
	mu     sync.Mutex // 串行化写入，保护callID
	conn   *websocket.Conn
	userID string
	chatID string
	callID string
	acks   int
}

func main() {
	// 命令行参数
	var (
		userID   = flag.String("user", "1001", "用户ID")
		deviceID = flag.String("device", "", "设备ID，默认随机生成")
		chatID   = flag.String("chat", "room-1", "默认聊天室ID")
		wsURL    = flag.String("wsurl", "ws://localhost:21006/ws", "WebSocket服务地址")
		secret   = flag.String("secret", envOr("JWT_SECRET", "focusandinsist"), "JWT签名密钥")
		autoMode = flag.Bool("auto", false, "自动模式，定时发送消息")
	)
	flag.Parse()

	if *deviceID == "" {
		*deviceID = "debug-" + uuid.NewString()[:8]
	}

	token, err := auth.IssueToken(&auth.JWTConfig{Secret: *secret, ExpireTime: 24 * time.Hour}, *userID, *deviceID)
	if err != nil {
		log.Fatalf("❌ 签发token失败: %v", err)
	}

	c := &client{userID: *userID, chatID: *chatID}
	c.conn = connectWebSocket(*wsURL, token)
	defer c.conn.Close()

	fmt.Printf("✅ 已连接 - 用户: %s 设备: %s\n", *userID, *deviceID)
	fmt.Println("💬 输入消息内容，按回车发送到当前聊天室")
	fmt.Println("📋 输入 'help' 查看更多命令")
	fmt.Println(strings.Repeat("-", 50))

	go c.receiveMessages()

	c.send(model.EventChatJoin, model.ChatRequest{ChatID: c.chatID})

	if *autoMode {
		go c.autoSendMessages()
	}

	c.handleUserInput()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// 建立WebSocket连接，token放在query中
func connectWebSocket(wsURL, token string) *websocket.Conn {
	u, err := url.Parse(wsURL)
	if err != nil {
		log.Fatalf("❌ 地址无效: %v", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	fmt.Printf("🔌 正在连接WebSocket服务器: %s\n", wsURL)
	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			log.Fatalf("❌ WebSocket连接失败: %v (HTTP %d)", err, resp.StatusCode)
		}
		log.Fatalf("❌ WebSocket连接失败: %v", err)
	}
	return conn
}

// 处理用户输入
func (c *client) handleUserInput() {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Printf("\n[%s@%s] 💬 ", c.userID, c.chatID)
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		fields := strings.Fields(input)
		switch fields[0] {
		case "exit", "quit", "q":
			fmt.Println("👋 再见！")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
			return
		case "help", "h":
			showHelp()
		case "/to":
			if len(fields) < 2 {
				fmt.Println("❌ 用法: /to <聊天室ID>")
				continue
			}
			c.chatID = fields[1]
			c.send(model.EventChatJoin, model.ChatRequest{ChatID: c.chatID})
			fmt.Printf("🎯 当前聊天室已切换为: %s\n", c.chatID)
		case "/leave":
			c.send(model.EventChatLeave, model.ChatRequest{ChatID: c.chatID})
		case "/typing":
			c.send(model.EventMessageTyping, model.TypingRequest{ChatID: c.chatID})
		case "/status":
			if len(fields) < 2 {
				fmt.Println("❌ 用法: /status <online|away|busy>")
				continue
			}
			c.send(model.EventPresenceUpdate, model.PresenceUpdateRequest{Status: fields[1]})
		case "/sub":
			if len(fields) < 2 {
				fmt.Println("❌ 用法: /sub <用户ID...>")
				continue
			}
			c.send(model.EventPresenceSubscribe, model.PresenceSubscribeRequest{UserIDs: fields[1:]})
		case "/call":
			if len(fields) < 2 {
				fmt.Println("❌ 用法: /call <用户ID>")
				continue
			}
			callID := uuid.NewString()
			c.mu.Lock()
			c.callID = callID
			c.mu.Unlock()
			c.send(model.EventCallInitiate, model.CallInitiateRequest{
				CallID:       callID,
				TargetUserID: fields[1],
				CallType:     "audio",
				Offer:        json.RawMessage(`{"type":"offer","sdp":"debug"}`),
			})
		case "/answer":
			c.send(model.EventCallAnswer, model.CallAnswerRequest{
				CallID: c.pickCall(fields),
				Answer: json.RawMessage(`{"type":"answer","sdp":"debug"}`),
			})
		case "/reject":
			c.send(model.EventCallReject, model.CallRejectRequest{CallID: c.pickCall(fields), Reason: "busy"})
		case "/end":
			c.send(model.EventCallEnd, model.CallEndRequest{CallID: c.pickCall(fields)})
		case "/notes":
			c.send(model.EventNotificationGetPending, nil)
		case "/clear":
			c.send(model.EventNotificationClearAll, nil)
		default:
			c.sendMessage(input)
		}
	}
}

// 显示帮助信息
func showHelp() {
	fmt.Println("\n📋 可用命令:")
	fmt.Println("  exit/quit/q        - 退出程序")
	fmt.Println("  help/h             - 显示帮助")
	fmt.Println("  /to <聊天室ID>     - 加入并切换聊天室")
	fmt.Println("  /leave             - 离开当前聊天室")
	fmt.Println("  /typing            - 发送正在输入")
	fmt.Println("  /status <状态>     - 更新在线状态")
	fmt.Println("  /sub <用户ID...>   - 订阅在线状态")
	fmt.Println("  /call <用户ID>     - 发起语音通话")
	fmt.Println("  /answer [通话ID]   - 接听")
	fmt.Println("  /reject [通话ID]   - 拒绝")
	fmt.Println("  /end [通话ID]      - 挂断")
	fmt.Println("  /notes             - 拉取通知")
	fmt.Println("  /clear             - 清空通知")
	fmt.Println("  其他输入           - 发送消息")
}

func (c *client) pickCall(fields []string) string {
	if len(fields) >= 2 {
		return fields[1]
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callID
}

// 发送消息，内容按调试用途直接作为密文字段
func (c *client) sendMessage(content string) {
	c.send(model.EventMessageNew, model.MessageNewRequest{
		ChatID:           c.chatID,
		EncryptedContent: content,
		MessageType:      "text",
		TempID:           uuid.NewString(),
	})
	fmt.Printf("📤 [%s]: %s\n", c.chatID, content)
}

func (c *client) send(event string, data interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks++
	frame, err := model.EncodeFrame(event, data, fmt.Sprintf("%d", c.acks))
	if err != nil {
		log.Printf("❌ 消息序列化失败: %v", err)
		return
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		log.Printf("❌ 发送失败: %v", err)
	}
}

// 接收消息的协程
func (c *client) receiveMessages() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				log.Printf("🚪 连接已关闭: %d %s", ce.Code, ce.Text)
			} else {
				log.Printf("❌ 读取失败: %v", err)
			}
			os.Exit(0)
		}

		frame, err := model.DecodeFrame(raw)
		if err != nil {
			log.Printf("❌ 解析消息失败: %v", err)
			continue
		}

		// 记住来电的通话ID，方便直接 /answer
		if frame.Event == model.EventCallIncoming {
			var incoming struct {
				CallID string `json:"callId"`
			}
			if json.Unmarshal(frame.Data, &incoming) == nil {
				c.mu.Lock()
				c.callID = incoming.CallID
				c.mu.Unlock()
			}
		}

		timestamp := time.Now().Format("15:04:05")
		fmt.Printf("\n📥 [%s] %s %s\n", timestamp, frame.Event, string(frame.Data))
		fmt.Printf("[%s@%s] 💬 ", c.userID, c.chatID)
	}
}

// 自动发送消息的协程
func (c *client) autoSendMessages() {
	counter := 1
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		c.sendMessage(fmt.Sprintf("🤖 自动消息 #%d", counter))
		counter++
	}
}
