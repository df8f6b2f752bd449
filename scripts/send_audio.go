// send_audio streams a PCM WAV file into the run websocket and prints
// the event stream; the synthesized reply is saved next to the input.
//
//	go run scripts/send_audio.go -addr localhost:8130 -file ask.wav
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

const chunkBytes = 3200 // 100ms @ 16kHz mono s16

func main() {
	addr := flag.String("addr", "localhost:8130", "assistant host:port")
	file := flag.String("file", "", "16kHz mono s16 WAV file to stream")
	pipelineID := flag.String("pipeline", "", "pipeline id; empty uses the preferred pipeline")
	startStage := flag.String("start", "stt", "first stage to run")
	endStage := flag.String("end", "tts", "last stage to run")
	out := flag.String("out", "reply.out", "file for the synthesized reply")
	flag.Parse()

	if *file == "" {
		fmt.Println("usage: send_audio -file=ask.wav [-addr=host:port] [-start=wake_word]")
		os.Exit(1)
	}
	audio, err := os.ReadFile(*file)
	if err != nil {
		fmt.Println("read file:", err)
		os.Exit(1)
	}

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		fmt.Println("dial:", err)
		os.Exit(1)
	}
	defer conn.Close()

	start := map[string]any{
		"type":        "run_start",
		"pipeline_id": *pipelineID,
		"start_stage": *startStage,
		"end_stage":   *endStage,
	}
	if err := conn.WriteJSON(start); err != nil {
		fmt.Println("run_start:", err)
		os.Exit(1)
	}

	go stream(conn, audio)

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.BinaryMessage {
			if err := os.WriteFile(*out, msg, 0o644); err != nil {
				fmt.Println("write reply:", err)
				os.Exit(1)
			}
			fmt.Printf("reply saved: %s (%d bytes)\n", *out, len(msg))
			continue
		}

		var frame map[string]any
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}
		pretty, _ := json.Marshal(frame)
		fmt.Println(string(pretty))
		if frame["type"] == "run_complete" || frame["type"] == "error" {
			return
		}
	}
}

// stream paces the file like a live microphone would deliver it.
func stream(conn *websocket.Conn, audio []byte) {
	for off := 0; off < len(audio); off += chunkBytes {
		end := off + chunkBytes
		if end > len(audio) {
			end = len(audio)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, audio[off:end]); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	_ = conn.WriteJSON(map[string]any{"type": "audio_end"})
}
