package webrtc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// SignalingServer handles WebRTC signaling via HTTP endpoints.
// In production this would use WebSocket for real-time signaling;
// for the alpha, simple HTTP POST/DELETE endpoints suffice.
type SignalingServer struct {
	room      *Room
	publicURL string

	mu    sync.Mutex
	rooms map[string]*Session
}

// ServerOption configures a [SignalingServer].
type ServerOption func(*SignalingServer)

// WithPublicURL sets the URL clients should connect to, returned from the
// token endpoint. Defaults to "".
func WithPublicURL(url string) ServerOption {
	return func(s *SignalingServer) {
		s.publicURL = url
	}
}

// NewSignalingServer creates a signaling server backed by the given room.
func NewSignalingServer(room *Room, opts ...ServerOption) *SignalingServer {
	s := &SignalingServer{
		room:  room,
		rooms: make(map[string]*Session),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns an http.Handler that serves the signaling endpoints:
//
//	POST   /token                  — mint a join token for an identity/room pair
//	POST   /rooms/{roomID}/join    — peer sends SDP offer, gets SDP answer
//	POST   /rooms/{roomID}/ice     — peer sends ICE candidate
//	DELETE /rooms/{roomID}/leave   — peer disconnects
func (s *SignalingServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", s.handleToken)
	mux.HandleFunc("POST /rooms/{roomID}/join", s.handleJoin)
	mux.HandleFunc("POST /rooms/{roomID}/ice", s.handleICE)
	mux.HandleFunc("DELETE /rooms/{roomID}/leave", s.handleLeave)
	return mux
}

// tokenRequest is the JSON body for the token endpoint.
type tokenRequest struct {
	Identity string            `json:"identity"`
	Room     string            `json:"room"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// tokenResponse is the JSON body returned from the token endpoint.
type tokenResponse struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

// handleToken handles POST /token. The alpha issues opaque random tokens;
// a production deployment would sign a JWT carrying the room grant.
func (s *SignalingServer) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Identity == "" {
		http.Error(w, "identity is required", http.StatusBadRequest)
		return
	}
	if req.Room == "" {
		http.Error(w, "room is required", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(tokenResponse{
		Token: uuid.NewString(),
		URL:   s.publicURL,
	})
}

// joinRequest is the JSON body for the join endpoint.
type joinRequest struct {
	Identity string `json:"identity"`
	Name     string `json:"name"`
	SDPOffer string `json:"sdp_offer"`
}

// joinResponse is the JSON body returned from the join endpoint.
type joinResponse struct {
	SDPAnswer string `json:"sdp_answer"`
}

// handleJoin handles POST /rooms/{roomID}/join.
// The peer sends an SDP offer and receives a stub SDP answer.
func (s *SignalingServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Identity == "" {
		http.Error(w, "identity is required", http.StatusBadRequest)
		return
	}

	sess, err := s.getOrCreateRoom(r.Context(), roomID)
	if err != nil {
		http.Error(w, "failed to create room: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if _, err = sess.AddPeer(req.Identity, req.Name); err != nil {
		http.Error(w, "failed to add peer: "+err.Error(), http.StatusConflict)
		return
	}

	// Retrieve the stub SDP answer from the mock transport.
	sess.mu.RLock()
	p, ok := sess.peers[req.Identity]
	sess.mu.RUnlock()

	var answer string
	if ok {
		answer, _ = p.transport.CreateOffer(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(joinResponse{SDPAnswer: answer})
}

// iceRequest is the JSON body for the ICE candidate endpoint.
type iceRequest struct {
	Identity  string `json:"identity"`
	Candidate string `json:"candidate"`
}

// handleICE handles POST /rooms/{roomID}/ice.
func (s *SignalingServer) handleICE(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")

	var req iceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	sess, ok := s.rooms[roomID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	sess.mu.RLock()
	p, exists := sess.peers[req.Identity]
	sess.mu.RUnlock()
	if !exists {
		http.Error(w, "peer not found", http.StatusNotFound)
		return
	}

	if err := p.transport.AddICECandidate(req.Candidate); err != nil {
		http.Error(w, "failed to add ICE candidate: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// leaveRequest is the JSON body for the leave endpoint.
type leaveRequest struct {
	Identity string `json:"identity"`
}

// handleLeave handles DELETE /rooms/{roomID}/leave.
func (s *SignalingServer) handleLeave(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")

	var req leaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Identity == "" {
		http.Error(w, "identity is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	sess, ok := s.rooms[roomID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	if err := sess.RemovePeer(req.Identity); err != nil {
		http.Error(w, "failed to remove peer: "+err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// getOrCreateRoom returns an existing Session for roomID, or creates one via
// the room factory. Safe for concurrent use.
func (s *SignalingServer) getOrCreateRoom(ctx context.Context, roomID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.rooms[roomID]; ok {
		return sess, nil
	}

	raw, err := s.room.Connect(ctx, roomID)
	if err != nil {
		return nil, err
	}
	sess := raw.(*Session) //nolint:forcetypeassert // Room.Connect always returns *Session
	s.rooms[roomID] = sess
	return sess, nil
}
