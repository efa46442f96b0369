package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/CodedInternet/nanostage/comms"
	"github.com/gorilla/websocket"
)

const (
	monitorBuffer = 64
	writeWait     = 5 * time.Second
)

var wsLogger = log.New(os.Stdout, "[monitor] ", log.Ldate|log.Ltime|log.Lshortfile)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// MonitorHandler streams record updates to the client and runs the JSON
// commands it sends. Every command gets its own goroutine so a slow device
// read never holds up the connection; all writes go through one writer.
// Viewers may only get. Debug mode has no token and may do anything.
func MonitorHandler(w http.ResponseWriter, r *http.Request) {
	operator := ENV.DEBUG
	if claims := requestClaims(r); claims != nil {
		operator = claims.Operator
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		wsLogger.Print("upgrade:", err)
		return
	}
	defer conn.Close()

	sub := ENV.Conductor.Subscribe(monitorBuffer)
	defer sub.Close()

	responses := make(chan comms.Response, monitorBuffer)
	done := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for {
			var msg interface{}
			select {
			case <-done:
				return
			case u, ok := <-sub.Updates():
				if !ok {
					return
				}
				msg = u
			case resp := <-responses:
				msg = resp
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				wsLogger.Println("write:", err)
				return
			}
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				wsLogger.Println("read:", err)
			}
			break
		}

		var cmd comms.Cmd
		if err := json.Unmarshal(raw, &cmd); err != nil {
			select {
			case responses <- comms.Response{Error: "invalid json"}:
			default:
			}
			continue
		}

		if !operator && cmd.Cmd != "get" {
			select {
			case responses <- comms.Response{Cmd: cmd.Cmd, Name: cmd.Name, Field: cmd.Field, Error: ErrNotOperator.Error()}:
			default:
			}
			continue
		}

		wg.Add(1)
		go func(cmd comms.Cmd) {
			defer wg.Done()
			resp := ENV.Conductor.ProcessCommand(ctx, cmd)
			select {
			case responses <- resp:
			case <-done:
			}
		}(cmd)
	}

	cancel()
	close(done)
	wg.Wait()
	<-writerDone
}
