package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

const (
	streamIDLenMin = 1
	streamIDLenMax = 256
)

type wsHandler struct {
	gw       *gateway
	upgrader *websocket.Upgrader
}

// newWsHandler accepts any origin when origin is empty.
func newWsHandler(gw *gateway, origin string) wsHandler {
	return wsHandler{
		gw: gw,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return origin == "" || r.Header.Get("Origin") == origin
			},
		},
	}
}

func (wsh wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	streamID, accountID, ok := validateRequest(w, r)
	if !ok {
		return
	}
	ws, err := wsh.upgrader.Upgrade(w, r, nil)
	if err != nil {
		L().Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	L().Info().Str(fieldStreamID, streamID).Str(fieldAccountID, accountID).Msg("new websocket connection")
	c := newConnection(ws, wsh.gw, streamID, accountID)
	c.run(r.Context())
}

type statsHandler struct {
	gw *gateway
}

func (sh statsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var stats gatewayStats
	if account := r.URL.Query().Get("account"); account != "" {
		stats = sh.gw.accountStats(account)
	} else {
		stats = sh.gw.stats()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		L().Error().Err(err).Msg("failed to write stats")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK\n"))
}

func upgradeRequiredHandler(w http.ResponseWriter, r *http.Request) {
	sendBadRequestError(w, "Expected a websocket upgrade.")
}

// validateRequest checks the join parameters: unique_id is the stream,
// api_key (or account_id) the owning account.
func validateRequest(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	q := r.URL.Query()
	streamID := q.Get("unique_id")
	if !utf8.ValidString(streamID) {
		sendBadRequestError(w, "unique_id must be valid Unicode (UTF-8).")
		return "", "", false
	}
	n := utf8.RuneCountInString(streamID)
	if !(streamIDLenMin <= n && n <= streamIDLenMax) {
		sendBadRequestError(w, fmt.Sprintf(
			"unique_id length must be %d-%d Unicode characters (UTF-8).",
			streamIDLenMin, streamIDLenMax))
		return "", "", false
	}
	accountID := q.Get("api_key")
	if accountID == "" {
		accountID = q.Get("account_id")
	}
	if accountID == "" {
		sendBadRequestError(w, "api_key is required.")
		return "", "", false
	}
	return streamID, accountID, true
}

func sendBadRequestError(w http.ResponseWriter, str string) {
	http.Error(w,
		fmt.Sprintf("Error: bad request. %s", str),
		http.StatusBadRequest)
}
