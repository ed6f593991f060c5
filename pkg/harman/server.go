// Package harman is an in-process mock exchange used by end-to-end tests and
// local development. It speaks a small Kalshi-like dialect: API-key login
// issuing a short-lived JWT, a JWT-authenticated websocket, and scripted
// ticker/trade emission with controllable sequence patterns.
package harman

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/ssmdio/ssmd/pkg/logging"
)

// TokenTTL bounds session token validity.
const TokenTTL = time.Hour

// Script describes what the exchange emits after a subscribe.
type Script struct {
	// Messages are emitted in order to every subscriber whose subscription
	// covers the ticker. A zero Interval emits as fast as the socket allows.
	Messages []ScriptMessage
	Interval time.Duration

	// Repeat loops the script. Off by default so tests see a finite stream.
	Repeat bool
}

// ScriptMessage is one scripted emission.
type ScriptMessage struct {
	Type   string  `json:"-"`
	Ticker string  `json:"-"`
	Price  float64 `json:"-"`
	Seq    uint64  `json:"-"`
}

// Server is the mock exchange.
type Server struct {
	jwtSecret []byte
	keys      map[string][]byte // key id -> bcrypt hash of secret
	script    Script
	logger    logging.Logger
	upgrader  websocket.Upgrader

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// NewServer builds a server with the given API keys (id -> plaintext
// secret; hashed at construction) and emission script.
func NewServer(jwtSecret string, apiKeys map[string]string, script Script, logger logging.Logger) (*Server, error) {
	if jwtSecret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if logger == nil {
		logger = logging.New(false)
	}
	keys := make(map[string][]byte, len(apiKeys))
	for id, secret := range apiKeys {
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash api key %s: %w", id, err)
		}
		keys[id] = hash
	}
	return &Server{
		jwtSecret: []byte(jwtSecret),
		keys:      keys,
		script:    script,
		logger:    logger,
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}, nil
}

// Start listens on addr (":0" for a random port) and serves until Stop.
// It returns the bound address.
func (s *Server) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/ws", s.handleWS)

	s.mu.Lock()
	s.ln = ln
	s.srv = &http.Server{Handler: mux}
	s.mu.Unlock()

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("harman server: %v", err)
		}
	}()
	s.logger.Infof("harman exchange listening on %s", ln.Addr())
	return ln.Addr().String(), nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

type loginRequest struct {
	KeyID  string `json:"key_id"`
	Secret string `json:"secret"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	hash, ok := s.keys[req.KeyID]
	if !ok || bcrypt.CompareHashAndPassword(hash, []byte(req.Secret)) != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	claims := jwt.RegisteredClaims{
		Subject:   req.KeyID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(TokenTTL)),
		Issuer:    "harman",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		http.Error(w, "token error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(loginResponse{Token: token})
}

func (s *Server) authorize(r *http.Request) (string, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		raw = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if raw == "" {
		return "", fmt.Errorf("missing token")
	}
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	sub, _ := token.Claims.GetSubject()
	return sub, nil
}

type subscribeCmd struct {
	Cmd     string   `json:"cmd"`
	Tickers []string `json:"tickers"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	subject, err := s.authorize(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.logger.Infof("harman session for %s", subject)

	// Wait for a subscribe command before emitting anything.
	var cmd subscribeCmd
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	if err := conn.ReadJSON(&cmd); err != nil || cmd.Cmd != "subscribe" {
		return
	}
	wanted := make(map[string]struct{}, len(cmd.Tickers))
	for _, t := range cmd.Tickers {
		wanted[t] = struct{}{}
	}
	_ = conn.WriteJSON(map[string]string{"type": "subscribed"})

	for {
		for _, m := range s.script.Messages {
			if _, ok := wanted[m.Ticker]; !ok {
				continue
			}
			frame := fmt.Sprintf(
				`{"type":%q,"msg":{"market_ticker":%q,"price":%g,"seq":%d}}`,
				m.Type, m.Ticker, m.Price, m.Seq)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
			if s.script.Interval > 0 {
				time.Sleep(s.script.Interval)
			}
		}
		if !s.script.Repeat {
			break
		}
	}

	// Keep the socket open so clients observe a quiet, healthy stream.
	conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
