package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/busybox42/loramesher/pkg/mesher"
	"github.com/busybox42/loramesher/pkg/types"
)

const prompt = "loramesher> "

type MessageRecord struct {
	Timestamp time.Time
	Source    types.Address
	Dest      types.Address
	Content   string
	Status    string
}

// console is the interactive prompt of a running node. Received messages
// are printed from the protocol goroutine, so every write goes through
// printf.
type console struct {
	mesher      *mesher.Mesher
	in          io.Reader
	out         io.Writer
	sendTimeout time.Duration

	outMu sync.Mutex

	historyMu      sync.RWMutex
	messageHistory []MessageRecord
}

func newConsole(m *mesher.Mesher, in io.Reader, out io.Writer) *console {
	c := &console{
		mesher:         m,
		in:             in,
		out:            out,
		sendTimeout:    10 * time.Second,
		messageHistory: make([]MessageRecord, 0),
	}
	m.SetDataCallback(c.received)
	return c
}

func (c *console) printf(format string, args ...interface{}) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) println(line string) {
	c.printf("%s\n", line)
}

func (c *console) addToHistory(record MessageRecord) {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	c.messageHistory = append(c.messageHistory, record)
}

func (c *console) history() []MessageRecord {
	c.historyMu.RLock()
	defer c.historyMu.RUnlock()
	return append([]MessageRecord(nil), c.messageHistory...)
}

func (c *console) received(src types.Address, payload []byte) {
	now := time.Now()
	c.printf("\r\n[%s] Received message from %s: %s\n%s",
		now.Format("2006-01-02 15:04:05"), src, payload, prompt)

	c.addToHistory(MessageRecord{
		Timestamp: now,
		Source:    src,
		Dest:      c.mesher.NodeAddress(),
		Content:   string(payload),
		Status:    "received",
	})
}

func (c *console) send(ctx context.Context, dest types.Address, message string) error {
	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	err := c.mesher.Send(ctx, dest, []byte(message))

	status := "sent"
	if err != nil {
		status = "failed"
	}
	c.addToHistory(MessageRecord{
		Timestamp: time.Now(),
		Source:    c.mesher.NodeAddress(),
		Dest:      dest,
		Content:   message,
		Status:    status,
	})
	return err
}

// run reads commands until exit, end of input or ctx is done.
func (c *console) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		reader := bufio.NewReader(c.in)
		for {
			input, err := reader.ReadString('\n')
			if input != "" {
				select {
				case lines <- input:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		c.printf("%s", prompt)
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err == io.EOF {
				return nil
			}
			return err
		case input := <-lines:
			if quit := c.execute(ctx, input); quit {
				return nil
			}
		}
	}
}

// execute runs one command line and reports whether the console should
// exit.
func (c *console) execute(ctx context.Context, input string) bool {
	input = strings.TrimSpace(input)
	if input == "" {
		return false
	}

	parts := strings.SplitN(input, " ", 2)
	command := parts[0]
	var args string
	if len(parts) > 1 {
		args = strings.TrimSpace(parts[1])
	}

	switch command {
	case "send":
		sendParts := strings.SplitN(args, " ", 2)
		if len(sendParts) < 2 || strings.TrimSpace(sendParts[1]) == "" {
			c.println("Usage: send <address|broadcast> <message>")
			return false
		}
		dest, err := parseDestination(sendParts[0])
		if err != nil {
			c.printf("Invalid address: %v\n", err)
			return false
		}
		if err := c.send(ctx, dest, strings.TrimSpace(sendParts[1])); err != nil {
			c.printf("Failed to send message: %v\n", err)
		} else {
			c.println("Message sent successfully")
		}

	case "routes":
		routes := c.mesher.RoutingTable()
		if len(routes) == 0 {
			c.println("No routes")
			return false
		}
		c.println("Routing table:")
		for _, r := range routes {
			c.printf("  %s via %s hops=%d state=%s age=%s\n",
				r.Destination, r.NextHop, r.HopCount, r.State,
				time.Since(r.LastRefreshed).Truncate(time.Second))
		}

	case "slots":
		slots := c.mesher.SlotTable()
		if len(slots) == 0 {
			c.println("No slot schedule")
			return false
		}
		c.println("Slot schedule:")
		for _, s := range slots {
			owner := "-"
			if s.Owner != types.Unassigned {
				owner = s.Owner.String()
			}
			c.printf("  %3d %-8s %s\n", s.Index, s.Responsibility, owner)
		}

	case "status":
		st := c.mesher.NetworkStatus()
		c.println("Network Status:")
		c.printf("Node Address: %s\n", st.NodeAddress)
		c.printf("Protocol: %s (%s)\n", st.Protocol, st.State)
		c.printf("Active Routes: %d\n", st.ActiveRoutes)
		c.printf("Neighbors: %d\n", st.Neighbors)
		c.printf("Uptime: %s\n", st.Uptime.Truncate(time.Second))

	case "ping":
		pp, ok := c.mesher.PingPongProtocol()
		if !ok {
			c.printf("Ping statistics are only kept by the PingPong protocol (active: %s)\n",
				c.mesher.ActiveProtocolType())
			return false
		}
		stats := pp.Stats()
		c.printf("Pings sent: %d, replies: %d, timeouts: %d, last rtt: %s\n",
			stats.Sent, stats.Received, stats.Timeouts, stats.LastRTT)

	case "history":
		records := c.history()
		if len(records) == 0 {
			c.println("No message history")
			return false
		}
		for _, record := range records {
			c.printf("[%s] %s -> %s: %s (%s)\n",
				record.Timestamp.Format("15:04:05"),
				record.Source,
				record.Dest,
				record.Content,
				record.Status)
		}

	case "address":
		c.printf("Node Address: %s\n", c.mesher.NodeAddress())

	case "exit", "quit":
		return true

	case "help":
		c.println("Available commands:")
		c.println("  send <address> <message>  - Send a message (address may be 'broadcast')")
		c.println("  routes                    - Show the routing table")
		c.println("  slots                     - Show the slot schedule")
		c.println("  status                    - Show network status")
		c.println("  ping                      - Show PingPong statistics")
		c.println("  history                   - Show message history")
		c.println("  address                   - Show this node's address")
		c.println("  help                      - Show this help message")
		c.println("  exit                      - Exit the application")

	default:
		c.printf("Unknown command: %s. Type 'help' for usage.\n", command)
	}
	return false
}

func parseDestination(s string) (types.Address, error) {
	if s == "broadcast" || s == "*" {
		return types.Broadcast, nil
	}
	return types.ParseAddress(s)
}
