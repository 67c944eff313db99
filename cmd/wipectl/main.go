// The wipectl program is a command-line client for the wipeadmind API
//
//	wipectl -key <api key> servers
//	wipectl -key <api key> vote main blueprint
//	wipectl -key <api key> watch [server]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var (
	host    = flag.String("host", "127.0.0.1", "Server IP/Hostname")
	port    = flag.Int("port", 8087, "API port")
	key     = flag.String("key", os.Getenv("WIPEADMIN_KEY"), "Your API key or session token")
	timeout = flag.Duration("timeout", 15*time.Second, "How long to wait for a response")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: %s [flags] <command> [args]

Commands:
  servers                     list servers, polls and upcoming wipes
  poll <server>               show the open poll
  vote <server> <setting>     vote for map, blueprint or full
  setwipe <server> <setting>  set the next wipe type (admins)
  force <server>              announce the wipe now (admins)
  status <server>             ask the server for its settings (admins)
  history [server] [limit]    show applied settings
  token                       trade the api key for a session token
  watch [server]              stream poll events

Flags:
`, os.Args[0])
	flag.PrintDefaults()
}

type client struct {
	base  string
	token string
	http  *http.Client
}

// call sends a request and pretty prints whatever JSON comes back.
func (c *client) call(ctx context.Context, method, path string, body any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		os.Stdout.Write(data)
		return nil
	}
	fmt.Println(out.String())
	return nil
}

// watch prints events until the server hangs up or we're interrupted.
func (c *client) watch(server string) error {
	q := url.Values{}
	q.Set("token", c.token)
	if server != "" {
		q.Set("server", server)
	}
	u := url.URL{Scheme: "ws", Host: c.base, Path: "/api/v1/events", RawQuery: q.Encode()}
	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%v (%s)", err, resp.Status)
		}
		return err
	}
	defer conn.Close()
	for {
		var e map[string]any
		if err := conn.ReadJSON(&e); err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		fmt.Printf("%s [%v] %v\n", time.Now().Format("15:04:05"), e["server"], e["type"])
	}
}

func need(args []string, n int, form string) {
	if len(args) < n {
		log.Fatalf("usage: %s\n", form)
	}
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	if *key == "" {
		log.Fatalln("no api key, use -key or WIPEADMIN_KEY")
	}
	c := &client{
		base:  fmt.Sprintf("%s:%d", *host, *port),
		token: *key,
		http:  &http.Client{Timeout: *timeout},
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var err error
	switch cmd, rest := strings.ToLower(args[0]), args[1:]; cmd {
	case "servers":
		err = c.call(ctx, "GET", "/api/v1/servers", nil)
	case "poll":
		need(rest, 1, "poll <server>")
		err = c.call(ctx, "GET", "/api/v1/servers/"+url.PathEscape(rest[0])+"/poll", nil)
	case "vote":
		need(rest, 2, "vote <server> <setting>")
		err = c.call(ctx, "POST", "/api/v1/servers/"+url.PathEscape(rest[0])+"/vote", map[string]string{"setting": rest[1]})
	case "setwipe":
		need(rest, 2, "setwipe <server> <setting>")
		err = c.call(ctx, "POST", "/api/v1/servers/"+url.PathEscape(rest[0])+"/wipe", map[string]string{"setting": rest[1]})
	case "force":
		need(rest, 1, "force <server>")
		err = c.call(ctx, "POST", "/api/v1/servers/"+url.PathEscape(rest[0])+"/force", nil)
	case "status":
		need(rest, 1, "status <server>")
		err = c.call(ctx, "GET", "/api/v1/servers/"+url.PathEscape(rest[0])+"/status", nil)
	case "history":
		q := url.Values{}
		if len(rest) > 0 {
			q.Set("server", rest[0])
		}
		if len(rest) > 1 {
			q.Set("limit", rest[1])
		}
		err = c.call(ctx, "GET", "/api/v1/history?"+q.Encode(), nil)
	case "token":
		err = c.call(ctx, "POST", "/api/v1/token", nil)
	case "watch":
		server := ""
		if len(rest) > 0 {
			server = rest[0]
		}
		err = c.watch(server)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("error: %v", err)
	}
}
