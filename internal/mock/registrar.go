// Package mock serves a fake registration backend so the engines can run
// without a university account. It answers the REST endpoints and the
// registration socket.
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/class-swap/backend/internal/registrar"
	"github.com/class-swap/backend/internal/swap"
)

const (
	DefaultTermName = "Fall 2024 - College Station"
	DefaultTermCode = "202431"
)

type Options struct {
	// Sections offered in the term. Nil gets a small built-in catalogue.
	Sections []registrar.Section
	// FlipEvery toggles every section's seat state after that many section
	// listings. Zero keeps seats fixed.
	FlipEvery int
	// ExpireEvery rotates the session cookie after that many section
	// listings, forcing the client through a login. Zero never expires.
	ExpireEvery int
	// RejectCount is how many registration requests fail before one
	// registers.
	RejectCount int
	// ExpireTokenOnce answers the first registration request with an
	// expired-token reply.
	ExpireTokenOnce bool
	Logger          *zap.SugaredLogger
}

func defaultSections() []registrar.Section {
	return []registrar.Section{
		{CRN: "12345", Open: "N", Subject: "CSCE", Course: "121", Title: "INTRO PGM DESIGN CONCEPT"},
		{CRN: "12346", Open: "N", Subject: "CSCE", Course: "121", Title: "INTRO PGM DESIGN CONCEPT"},
		{CRN: "23456", Open: "Y", Subject: "MATH", Course: "251", Title: "ENGINEERING MATH III"},
		{CRN: "34567", Open: "N", Subject: "PHYS", Course: "207", Title: "ELEC & MAGNETISM ENGR"},
	}
}

// Server is a fake registrar. The zero value is not usable; call New.
type Server struct {
	opts Options
	log  *zap.SugaredLogger

	mu           sync.Mutex
	sections     []registrar.Section
	listings     int
	cookieSerial int
	tokenSerial  int
	requests     int
	tokenExpired bool

	srv *http.Server
	ln  net.Listener
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	sections := opts.Sections
	if sections == nil {
		sections = defaultSections()
	}
	return &Server{
		opts:     opts,
		log:      log,
		sections: append([]registrar.Section(nil), sections...),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/all-terms", s.handleTerms)
	mux.HandleFunc("/api/course-sections", s.handleSections)
	mux.HandleFunc("/api/oauth/student/client-credentials/token", s.handleToken)
	mux.HandleFunc("/socket.io/", s.handleSocket)
	return mux
}

// Start listens on a loopback port and returns the base URL.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("mock: listen: %w", err)
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warnf("[mock] serve: %v", err)
		}
	}()
	base := "http://" + ln.Addr().String()
	s.log.Infof("[mock] fake registrar listening on %s", base)
	return base, nil
}

func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

// SocketURL returns the registration socket address for a base URL.
func SocketURL(base string) string {
	return "ws" + strings.TrimPrefix(base, "http") + "/socket.io/?EIO=3&transport=websocket"
}

// Cookie returns the session cookie the server currently accepts.
func (s *Server) Cookie() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cookieLocked()
}

func (s *Server) cookieLocked() string {
	return fmt.Sprintf("mock-session=%d", s.cookieSerial)
}

func (s *Server) tokenLocked() string {
	return fmt.Sprintf("mock-token-%d-%d", s.cookieSerial, s.tokenSerial)
}

// Requests reports how many registration requests were received.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *Server) authorized(r *http.Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.Header.Get("Cookie") == s.cookieLocked()
}

func (s *Server) handleTerms(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, []registrar.Term{
		{Name: "Spring 2024 - College Station", Code: "202411"},
		{Name: DefaultTermName, Code: DefaultTermCode},
	})
}

type sectionQuery struct {
	TermCode string `json:"termCode"`
	CRN      string `json:"crn"`
}

func (s *Server) handleSections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		// The real backend bounces expired cookies to its login page.
		w.Header().Set("Location", "/login")
		w.WriteHeader(http.StatusFound)
		return
	}
	var q sectionQuery
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.listings++
	if s.opts.FlipEvery > 0 && s.listings%s.opts.FlipEvery == 0 {
		for i := range s.sections {
			if s.sections[i].IsOpen() {
				s.sections[i].Open = "N"
			} else {
				s.sections[i].Open = "Y"
			}
		}
	}
	var out []registrar.Section
	if q.TermCode == DefaultTermCode {
		for _, sec := range s.sections {
			if q.CRN == "" || string(sec.CRN) == q.CRN {
				out = append(out, sec)
			}
		}
	}
	if s.opts.ExpireEvery > 0 && s.listings%s.opts.ExpireEvery == 0 {
		s.cookieSerial++
		s.log.Infof("[mock] session cookie rotated")
	}
	s.mu.Unlock()

	if out == nil {
		out = []registrar.Section{}
	}
	writeJSON(w, map[string]any{"courseSections": out})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	tok := s.tokenLocked()
	s.mu.Unlock()
	writeJSON(w, map[string]string{"accessToken": tok})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("[mock] socket upgrade: %v", err)
		return
	}
	defer conn.Close()

	send := func(frame string) error {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, []byte(frame))
	}
	if send(`0{"sid":"mock","upgrades":[],"pingInterval":25000,"pingTimeout":60000}`) != nil || send("40") != nil {
		return
	}

	authorized := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(data) == "2" {
			if send("3") != nil {
				return
			}
			continue
		}
		frame, err := swap.DecodeFrame(data)
		if err != nil || frame.Kind != swap.FrameEvent {
			continue
		}

		var reply any
		switch frame.Event {
		case "authorize":
			var args []json.RawMessage
			var body struct {
				Token string `json:"token"`
			}
			if json.Unmarshal(frame.Payload, &args) == nil && len(args) > 1 {
				json.Unmarshal(args[1], &body)
			}
			s.mu.Lock()
			authorized = body.Token == s.tokenLocked()
			s.mu.Unlock()
			reply = map[string]bool{"authorized": authorized}
		case "registration-request":
			reply = s.register(authorized)
		default:
			continue
		}
		out, _ := json.Marshal([]any{reply})
		if send(fmt.Sprintf("43%d%s", frame.AckID, out)) != nil {
			return
		}
	}
}

func (s *Server) register(authorized bool) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++

	if !authorized {
		return map[string]any{"statusCode": 401, "error": "Unauthorized"}
	}
	if s.opts.ExpireTokenOnce && !s.tokenExpired {
		s.tokenExpired = true
		s.tokenSerial++
		return map[string]any{"error": "TOKEN_EXPIRED", "message": "jwt expired"}
	}
	if s.opts.RejectCount > 0 {
		s.opts.RejectCount--
		return map[string]any{"sections": []any{map[string]any{
			"outcome":  "FAILED",
			"messages": []any{map[string]string{"type": "FAILURE", "message": "Closed section"}},
		}}}
	}
	return map[string]any{"sections": []any{map[string]any{"outcome": "REGISTERED"}}}
}

// Login hands out whatever cookie the server currently accepts, standing
// in for a human signing in again.
type Login struct {
	Server *Server
}

func (l Login) Login(_ context.Context, _, _ string) (string, error) {
	return l.Server.Cookie(), nil
}
