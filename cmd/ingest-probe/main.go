// ingest-probe — 向运行中的引擎注入一段脚本化回合, 冒烟验证 ingest 链路。
//
// 模拟一个生产者: 流式文本增量、工具步骤、带外工件负载、沙箱进程事件,
// 最后 done 收尾。服务端只在帧出错时回写, 后台读取协程把错误帧打印出来。
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	addr := "ws://127.0.0.1:8090/api/ingest"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Printf("connecting to %s ...", addr)
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	log.Println("connected!")

	// 后台读取错误帧 (正常注入时服务端静默)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				log.Printf("read error: %v", err)
				return
			}
			fmt.Printf("\n<<< RECV: %s\n", msg)
		}
	}()

	turnID := fmt.Sprintf("probe-%d", time.Now().Unix())
	log.Printf("streaming demo turn %s", turnID)

	// 1. 流式文本增量 (primary 渠道, 分多帧)
	deltas := []string{
		"## 巡检报告\n\n",
		"正在核对三个服务的部署状态, ",
		"先看入口网关:\n\n",
		"```python\nfor svc in services:\n    print(svc.name, svc.healthy)\n```\n\n",
		"趋势见 ![每日流量](artifact:probe-chart) 。\n",
	}
	for _, text := range deltas {
		send(conn, "partial-response", map[string]any{
			"turnId":    turnID,
			"ownerName": "inspector",
			"channel":   "primary",
			"text":      text,
		})
		time.Sleep(200 * time.Millisecond)
	}

	// 2. 工具步骤 start/end
	send(conn, "tool-step", map[string]any{
		"turnId":    turnID,
		"ownerName": "inspector",
		"phase":     "start",
		"toolName":  "http-check",
		"extra":     map[string]any{"target": "gateway"},
	})
	time.Sleep(300 * time.Millisecond)
	send(conn, "tool-step", map[string]any{
		"turnId":    turnID,
		"ownerName": "inspector",
		"phase":     "end",
		"toolName":  "http-check",
	})

	// 3. 带外工件负载 (被上面文本引用的图)
	send(conn, "artifact-payload", map[string]any{
		"turnId":     turnID,
		"ownerName":  "inspector",
		"artifactId": "probe-chart",
		"payload":    "data:image/svg+xml,<svg xmlns='http://www.w3.org/2000/svg'/>",
	})

	// 4. 沙箱进程事件 (start → output → end)
	send(conn, "live-process", map[string]any{
		"artifactId": "probe-term",
		"phase":      "start",
		"command":    "uname -a",
	})
	send(conn, "live-process", map[string]any{
		"artifactId": "probe-term",
		"phase":      "output",
		"stdout":     "Linux probe 6.1.0 x86_64\n",
	})
	send(conn, "live-process", map[string]any{
		"artifactId": "probe-term",
		"phase":      "end",
		"exitCode":   0,
	})

	// 5. done 收尾, 触发最终渲染
	time.Sleep(500 * time.Millisecond)
	send(conn, "partial-response", map[string]any{
		"turnId":    turnID,
		"ownerName": "inspector",
		"channel":   "primary",
		"text":      "\n核对完成, 三个服务全部健康。\n",
		"done":      true,
	})

	log.Printf("turn %s finalized, check GET /api/turns/%s", turnID, turnID)

	// 等用户 Ctrl+C (留时间观察 SSE 端)
	log.Println("holding connection... Ctrl+C to exit")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
	log.Println("bye")
}

// send 封装 {type, data} 信封并写出。
func send(conn *websocket.Conn, typ string, data map[string]any) {
	payload, _ := json.Marshal(data)
	env, _ := json.Marshal(map[string]any{"type": typ, "data": json.RawMessage(payload)})
	log.Printf(">>> SEND: %s", env)
	if err := conn.WriteMessage(websocket.TextMessage, env); err != nil {
		log.Fatalf("write %s: %v", typ, err)
	}
}
