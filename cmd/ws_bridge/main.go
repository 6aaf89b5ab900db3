// ws_bridge exposes a stdio agent over a WebSocket: each connection spawns
// the given command, forwards WebSocket text messages to its stdin, and
// relays stdout/stderr lines back as JSON frames. It lets a browser client
// talk to `cadence -acp` without a native transport.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/exec"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type frame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func main() {
	addr := flag.String("addr", ":8080", "Address to listen on")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		log.Fatal("usage: ws_bridge [-addr :8080] command [args...]")
	}

	http.HandleFunc("/ws", handleWS(args))
	fmt.Printf("WebSocket bridge running on ws://%s/ws\n", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

func handleWS(cmdArgs []string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("Upgrade error:", err)
			return
		}
		defer conn.Close()

		cmd := exec.Command(cmdArgs[0], cmdArgs[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			log.Println("Error getting stdin:", err)
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			log.Println("Error getting stdout:", err)
			return
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			log.Println("Error getting stderr:", err)
			return
		}
		if err := cmd.Start(); err != nil {
			log.Println("Error starting agent:", err)
			return
		}
		defer func() {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}()

		relay := func(kind string, src *bufio.Scanner) {
			for src.Scan() {
				payload, err := json.Marshal(frame{Type: kind, Data: src.Text()})
				if err != nil {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					log.Println("WS write error:", err)
					return
				}
			}
		}
		go relay("stdout", bufio.NewScanner(stdout))
		go relay("stderr", bufio.NewScanner(stderr))

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				log.Println("WS read error:", err)
				return
			}
			if _, err := stdin.Write(append(msg, '\n')); err != nil {
				log.Println("Stdin write error:", err)
				return
			}
		}
	}
}
