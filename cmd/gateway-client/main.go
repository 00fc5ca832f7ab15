// Package main provides a minimal CLI demo client for the speechbridge
// gateway. It connects over a websocket, starts a session with a custom
// prompt, streams silence as placeholder audio, and prints every event
// the gateway forwards.
//
// Usage:
//
//	go run ./cmd/gateway-client -addr ws://localhost:8080/v1/voice
//
// Controls:
//
//	q + ENTER - stop the session and quit
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "ws://localhost:8080/v1/voice", "gateway websocket address")
	prompt := flag.String("prompt", "You are a helpful, concise voice assistant.", "system prompt for the session")
	flag.Parse()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(*addr, nil)
	if err != nil {
		log.Fatalf("dial gateway: %v", err)
	}
	defer conn.Close()

	fmt.Println("connected to", *addr)

	if err := conn.WriteJSON(map[string]any{"type": "initSession", "prompt": *prompt}); err != nil {
		log.Fatalf("send initSession: %v", err)
	}

	done := make(chan struct{})
	go readLoop(conn, done)

	go streamSilence(conn)

	fmt.Println("streaming... (press 'q' + ENTER to stop)")
	var input string
	for {
		fmt.Scanln(&input)
		if strings.ToLower(strings.TrimSpace(input)) == "q" {
			break
		}
	}

	_ = conn.WriteJSON(map[string]any{"type": "stopAudio"})
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	<-done
}

// streamSilence sends a steady trickle of 20ms silent PCM16 mono 16kHz
// chunks, standing in for a real microphone feed.
func streamSilence(conn *websocket.Conn) {
	chunk := make([]byte, 16000*2/50)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		payload := map[string]any{"type": "audioInput", "audio": base64.StdEncoding.EncodeToString(chunk)}
		if err := conn.WriteJSON(payload); err != nil {
			return
		}
	}
}

func readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			fmt.Println("\nconnection closed:", err)
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg["type"] {
		case "textOutput":
			fmt.Printf("\n[assistant] %v\n", msg["content"])
		case "toolUse":
			fmt.Printf("\n[tool call] %v\n", msg["toolName"])
		case "toolResult":
			fmt.Printf("\n[tool result] %v\n", msg["toolName"])
		case "error":
			fmt.Printf("\n[error] %v\n", msg["message"])
		case "streamComplete":
			fmt.Println("\n[stream complete]")
		}
	}
}
