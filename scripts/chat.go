// Command chat is a terminal client for the concierge websocket. Lines are
// sent as messages; /barge, /resync, /cancel, /yes and /no send the matching
// control messages.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

type outbound struct {
	Type        string  `json:"type"`
	Text        string  `json:"text,omitempty"`
	PhoneNumber string  `json:"phoneNumber,omitempty"`
	LastEventID *uint64 `json:"lastEventId,omitempty"`
	Confirm     *bool   `json:"confirm,omitempty"`
}

type event struct {
	ID   uint64 `json:"id"`
	Type string `json:"type"`
	Text string `json:"text"`
}

func main() {
	server := flag.String("server", "ws://localhost:8080/ws", "websocket endpoint")
	phone := flag.String("phone", "+14155550142", "caller phone number")
	flag.Parse()

	u, err := url.Parse(*server)
	if err != nil {
		fmt.Println("url error:", err)
		os.Exit(1)
	}
	q := u.Query()
	q.Set("phoneNumber", *phone)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		fmt.Println("dial error:", err)
		os.Exit(1)
	}
	defer conn.Close()

	var lastSeen atomic.Uint64
	go func() {
		for {
			var ev event
			if err := conn.ReadJSON(&ev); err != nil {
				fmt.Println("connection closed:", err)
				os.Exit(0)
			}
			if ev.ID > 0 {
				lastSeen.Store(ev.ID)
			}
			switch ev.Type {
			case "token":
				fmt.Print(ev.Text)
			case "final":
				fmt.Printf("\n[%d] concierge: %s\n> ", ev.ID, ev.Text)
			default:
				fmt.Printf("\n[%d] %s %s\n> ", ev.ID, ev.Type, ev.Text)
			}
		}
	}()

	in := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for in.Scan() {
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		msg := outbound{Type: "message", Text: line, PhoneNumber: *phone}
		switch line {
		case "/barge":
			msg = outbound{Type: "barge_in"}
		case "/resync":
			id := lastSeen.Load()
			msg = outbound{Type: "resync", LastEventID: &id}
		case "/cancel":
			msg = outbound{Type: "start_cancel", PhoneNumber: *phone}
		case "/yes", "/no":
			confirm := line == "/yes"
			msg = outbound{Type: "confirm_cancel", PhoneNumber: *phone, Confirm: &confirm}
		}
		raw, _ := json.Marshal(msg)
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			fmt.Println("send error:", err)
			return
		}
	}
}
