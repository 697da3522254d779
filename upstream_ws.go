package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	upstreamEventBuffer = 64
	upstreamHTTPTimeout = 10 * time.Second
	maxUpstreamBody     = 1 << 20
)

// wsDialer reaches the feed over HTTP for metadata and a websocket for
// events. Each client takes the next proxy in turn.
type wsDialer struct {
	eventsURL string
	apiURL    string
	proxies   *proxyCycle
}

func newWSDialer(cfg upstreamConfig) *wsDialer {
	return &wsDialer{
		eventsURL: strings.TrimRight(cfg.URL, "/"),
		apiURL:    strings.TrimRight(cfg.APIURL, "/"),
		proxies:   newProxyCycle(cfg.Proxies),
	}
}

func (d *wsDialer) Dial(streamID, authToken string) upstreamClient {
	proxy := http.ProxyFromEnvironment
	if u := d.proxies.next(); u != nil {
		proxy = http.ProxyURL(u)
	}
	return &wsClient{
		streamID:  streamID,
		authToken: authToken,
		eventsURL: d.eventsURL,
		apiURL:    d.apiURL,
		http: &http.Client{
			Timeout:   upstreamHTTPTimeout,
			Transport: &http.Transport{Proxy: proxy},
		},
		dialer: &websocket.Dialer{
			Proxy:            proxy,
			HandshakeTimeout: upstreamHTTPTimeout,
		},
		events: make(chan event, upstreamEventBuffer),
		done:   make(chan struct{}),
	}
}

type proxyCycle struct {
	proxies []*url.URL
	n       atomic.Uint64
}

func newProxyCycle(raw []string) *proxyCycle {
	p := &proxyCycle{}
	for _, s := range raw {
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			L().Warn().Str("proxy", s).Msg("ignoring invalid proxy")
			continue
		}
		p.proxies = append(p.proxies, u)
	}
	return p
}

func (p *proxyCycle) next() *url.URL {
	if len(p.proxies) == 0 {
		return nil
	}
	i := p.n.Add(1) - 1
	return p.proxies[i%uint64(len(p.proxies))]
}

type wsClient struct {
	streamID  string
	authToken string
	eventsURL string
	apiURL    string
	http      *http.Client
	dialer    *websocket.Dialer

	events    chan event
	done      chan struct{}
	closeOnce sync.Once

	mux       sync.Mutex // Protects conn and connected
	conn      *websocket.Conn
	connected bool
}

type liveStatus struct {
	Live bool `json:"live"`
}

func (c *wsClient) IsLive(ctx context.Context) (bool, error) {
	data, status, err := c.get(ctx, "live")
	if err != nil {
		return false, err
	}
	if status == http.StatusNotFound {
		return false, nil
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("liveness check: unexpected status %d", status)
	}
	var ls liveStatus
	if err := json.Unmarshal(data, &ls); err != nil {
		return false, fmt.Errorf("liveness check: %w", err)
	}
	return ls.Live, nil
}

// Connect fetches the room info and opens the event socket.
func (c *wsClient) Connect(ctx context.Context) (json.RawMessage, error) {
	info, status, err := c.get(ctx, "room")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("room info: unexpected status %d", status)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.eventsURL+"/"+url.PathEscape(c.streamID), c.header())
	if err != nil {
		return nil, err
	}

	c.mux.Lock()
	c.conn = conn
	c.connected = true
	c.mux.Unlock()

	go c.read(conn)
	return info, nil
}

func (c *wsClient) read(conn *websocket.Conn) {
	defer func() {
		c.mux.Lock()
		c.connected = false
		c.mux.Unlock()
		close(c.events)
	}()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.emit(event{Kind: kindDisconnect})
			return
		}
		ev, ok := decodeEvent(msg)
		if !ok {
			mark("upstream.dropped", 1)
			continue
		}
		if !c.emit(ev) {
			return
		}
	}
}

func (c *wsClient) emit(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsClient) Events() <-chan event {
	return c.events
}

func (c *wsClient) SubInfo(ctx context.Context) (json.RawMessage, error) {
	if c.authToken == "" {
		return nil, ErrNotAuthenticated
	}
	data, status, err := c.get(ctx, "sub")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("sub info: unexpected status %d", status)
	}
	return data, nil
}

func (c *wsClient) Connected() bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.connected
}

func (c *wsClient) Disconnect(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mux.Lock()
		conn, connected := c.conn, c.connected
		c.connected = false
		c.mux.Unlock()

		if conn == nil {
			return
		}
		if connected {
			deadline, ok := ctx.Deadline()
			if !ok {
				deadline = time.Now().Add(writeWait)
			}
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if werr := conn.WriteControl(websocket.CloseMessage, msg, deadline); werr != nil && werr != websocket.ErrCloseSent {
				err = werr
			}
		}
		conn.Close()
	})
	return err
}

func (c *wsClient) header() http.Header {
	h := http.Header{}
	if c.authToken != "" {
		h.Set("Cookie", "sessionid="+c.authToken)
	}
	return h
}

// get fetches {apiURL}/{resource}/{streamID} and returns the body when it
// is valid JSON.
func (c *wsClient) get(ctx context.Context, resource string) (json.RawMessage, int, error) {
	u := c.apiURL + "/" + resource + "/" + url.PathEscape(c.streamID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header = c.header()
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}
	if !json.Valid(body) {
		return nil, resp.StatusCode, fmt.Errorf("%s: invalid JSON body", resource)
	}
	return json.RawMessage(body), resp.StatusCode, nil
}
