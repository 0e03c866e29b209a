package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
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

// RoomMember 模拟的房间成员
type RoomMember struct {
	UserID string
	Token  string
	Online bool
}

// RoomClient 多成员房间模拟客户端，每个成员一条连接
type RoomClient struct {
	baseURL       string
	wsURL         string
	chatID        string
	members       []*RoomMember
	connections   map[string]*websocket.Conn
	writeMu       map[string]*sync.Mutex
	defaultSender string
	mu            sync.RWMutex
}

func main() {
	var (
		chatID  = flag.String("chat", "room-1", "房间ID")
		users   = flag.String("users", "1001,1002,1003", "成员用户ID，逗号分隔")
		baseURL = flag.String("api", "http://localhost:21006", "中继服务HTTP地址")
		wsURL   = flag.String("wsurl", "ws://localhost:21006/ws", "WebSocket服务地址")
		secret  = flag.String("secret", envOr("JWT_SECRET", "focusandinsist"), "JWT签名密钥")
	)
	flag.Parse()

	fmt.Println("=== Multi-Member Room Client ===")

	client := &RoomClient{
		baseURL:     strings.TrimRight(*baseURL, "/"),
		wsURL:       *wsURL,
		chatID:      *chatID,
		connections: make(map[string]*websocket.Conn),
		writeMu:     make(map[string]*sync.Mutex),
	}

	jwtCfg := &auth.JWTConfig{Secret: *secret, ExpireTime: 24 * time.Hour}
	for _, uid := range strings.Split(*users, ",") {
		uid = strings.TrimSpace(uid)
		if uid == "" {
			continue
		}
		token, err := auth.IssueToken(jwtCfg, uid, "room-sim-"+uid)
		if err != nil {
			log.Fatalf("Issue token for %s failed: %v", uid, err)
		}
		client.members = append(client.members, &RoomMember{UserID: uid, Token: token})
	}
	if len(client.members) == 0 {
		log.Fatal("No members given")
	}
	client.defaultSender = client.members[0].UserID

	// 连接并加入房间
	fmt.Println("Connecting WebSocket for each member...")
	for _, member := range client.members {
		if err := client.connectMember(member); err != nil {
			log.Printf("Failed to connect member %s: %v", member.UserID, err)
			continue
		}
		fmt.Printf("Connected: %s\n", member.UserID)
	}

	fmt.Println("Checking online status...")
	if err := client.checkOnlineStatus(); err != nil {
		log.Printf("Warning: Failed to check online status: %v", err)
	}
	client.displayMembers()

	fmt.Println("\nCommands:")
	fmt.Println("  <message> - Send message as default user")
	fmt.Println("  @<userID> <message> - Send message as specific user")
	fmt.Println("  list - Show all members")
	fmt.Println("  members - Show room connections on the server")
	fmt.Println("  quit - Exit")
	fmt.Println("----------------------------------------")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case input == "quit":
			fmt.Println("Exiting...")
			client.closeAllConnections()
			return
		case input == "list":
			if err := client.checkOnlineStatus(); err != nil {
				log.Printf("Warning: Failed to check online status: %v", err)
			}
			client.displayMembers()
		case input == "members":
			if err := client.showRoomMembers(); err != nil {
				fmt.Printf("Failed to fetch room members: %v\n", err)
			}
		case strings.HasPrefix(input, "@"):
			parts := strings.SplitN(input[1:], " ", 2)
			if len(parts) < 2 {
				fmt.Println("Use format: @<userID> <message>")
				continue
			}
			if err := client.sendMessage(parts[0], parts[1]); err != nil {
				fmt.Printf("Failed to send message: %v\n", err)
			}
		default:
			if err := client.sendMessage(client.defaultSender, input); err != nil {
				fmt.Printf("Failed to send message: %v\n", err)
			}
		}
	}
	client.closeAllConnections()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// connectMember 建立连接并加入房间
func (c *RoomClient) connectMember(member *RoomMember) error {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("token", member.Token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("WebSocket connection failed: %v", err)
	}

	c.mu.Lock()
	c.connections[member.UserID] = conn
	c.writeMu[member.UserID] = &sync.Mutex{}
	c.mu.Unlock()

	go c.receiveMessages(member.UserID, conn)

	return c.send(member.UserID, model.EventChatJoin, model.ChatRequest{ChatID: c.chatID})
}

// receiveMessages 打印某个成员收到的帧
func (c *RoomClient) receiveMessages(userID string, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Connection closed for user %s", userID)
			} else {
				log.Printf("Read message failed for user %s: %v", userID, err)
			}
			return
		}

		frame, err := model.DecodeFrame(data)
		if err != nil {
			log.Printf("Frame decode failed for user %s: %v", userID, err)
			continue
		}
		if frame.Event == model.EventAck {
			continue
		}
		fmt.Printf("\n[%s] %s <- %s %s\n> ", time.Now().Format("15:04:05"), userID, frame.Event, string(frame.Data))
	}
}

// sendMessage 以指定成员身份向房间发消息
func (c *RoomClient) sendMessage(userID, content string) error {
	return c.send(userID, model.EventMessageNew, model.MessageNewRequest{
		ChatID:           c.chatID,
		EncryptedContent: content,
		MessageType:      "text",
		TempID:           uuid.NewString(),
	})
}

func (c *RoomClient) send(userID, event string, data interface{}) error {
	c.mu.RLock()
	conn, ok := c.connections[userID]
	wmu := c.writeMu[userID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("user %s is not connected", userID)
	}

	frame, err := model.EncodeFrame(event, data, uuid.NewString())
	if err != nil {
		return err
	}
	wmu.Lock()
	defer wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// checkOnlineStatus 通过HTTP接口批量查询在线状态
func (c *RoomClient) checkOnlineStatus() error {
	userIDs := make([]string, len(c.members))
	for i, member := range c.members {
		userIDs[i] = member.UserID
	}
	body, _ := json.Marshal(model.PresenceSubscribeRequest{UserIDs: userIDs})

	var result struct {
		Presence []model.PresencePayload `json:"presence"`
	}
	if err := c.doJSON(http.MethodPost, "/api/v1/relay/presence/query", body, &result); err != nil {
		return err
	}

	online := make(map[string]bool, len(result.Presence))
	for _, p := range result.Presence {
		online[p.UserID] = p.Status != model.StatusOffline
	}
	for _, member := range c.members {
		member.Online = online[member.UserID]
	}
	return nil
}

// showRoomMembers 服务端视角的房间连接
func (c *RoomClient) showRoomMembers() error {
	var result struct {
		Members []string `json:"members"`
	}
	if err := c.doJSON(http.MethodGet, "/api/v1/relay/rooms/"+url.PathEscape(c.chatID)+"/members", nil, &result); err != nil {
		return err
	}
	fmt.Printf("\nRoom %s has %d connections:\n", c.chatID, len(result.Members))
	for _, connID := range result.Members {
		fmt.Printf("  conn %s\n", connID)
	}
	return nil
}

func (c *RoomClient) doJSON(method, path string, body []byte, out interface{}) error {
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.members[0].Token)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(raw))
	}
	return json.Unmarshal(raw, out)
}

// displayMembers 打印成员及在线状态
func (c *RoomClient) displayMembers() {
	fmt.Printf("\nRoom %s members:\n", c.chatID)
	for i, member := range c.members {
		status := "Offline"
		if member.Online {
			status = "Online"
		}
		marker := ""
		if member.UserID == c.defaultSender {
			marker = " (default sender)"
		}
		fmt.Printf("  %d. %s - %s%s\n", i+1, member.UserID, status, marker)
	}
	fmt.Println()
}

func (c *RoomClient) closeAllConnections() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for userID, conn := range c.connections {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		if err := conn.Close(); err != nil {
			log.Printf("Failed to close connection for user %s: %v", userID, err)
		}
	}
}
