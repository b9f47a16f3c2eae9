// Package httpapi exposes the node's external HTTP surface: submitting and
// reading state, triggering a handshake, and the account-facing read routes.
// It is a thin net/http mux translating JSON requests into calls on a
// *dispatcher.Dispatcher and errors onto HTTP status codes.
package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stateruntime/staterund/internal/command"
	"github.com/stateruntime/staterund/internal/dispatcher"
	"github.com/stateruntime/staterund/internal/errs"
	"github.com/stateruntime/staterund/internal/logging"
	"github.com/stateruntime/staterund/internal/policy"
	"github.com/stateruntime/staterund/internal/xcrypto"
)

// Server wires the dispatcher's public methods onto the routes named in
// spec.md §6.
type Server struct {
	dispatcher *dispatcher.Dispatcher
	logger     *slog.Logger
	mux        *http.ServeMux
}

// New builds a Server. Pass the result's Handler to http.Server or
// httptest.NewServer.
func New(d *dispatcher.Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Server{dispatcher: d, logger: logger, mux: http.NewServeMux()}

	s.mux.HandleFunc("POST /state", s.handleSendCommand)
	s.mux.HandleFunc("GET /state", s.handleGetState)
	s.mux.HandleFunc("POST /key_rotation", s.handleKeyRotation)
	s.mux.HandleFunc("GET /enclave_encryption_key", s.handleEncryptionKey)
	s.mux.HandleFunc("POST /register_report", s.handleRegisterReport)
	s.mux.HandleFunc("POST /register_notification", s.handleRegisterNotification)
	s.mux.HandleFunc("GET /user_counter", s.handleUserCounter)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Handler returns the root http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// accessPolicyDTO is the wire shape of policy.AccessPolicy: a compressed
// SECP256K1 public key and a compact recoverable signature, both hex.
type accessPolicyDTO struct {
	PubKeyHex    string `json:"pub_key"`
	SignatureHex string `json:"signature"`
}

type sendCommandRequest struct {
	AccessPolicy  accessPolicyDTO `json:"access_policy"`
	RuntimeParams json.RawMessage `json:"runtime_params"`
	CmdName       string          `json:"cmd_name"`
	UserCounter   uint64          `json:"user_counter"`
	HostAccount   string          `json:"host_account,omitempty"`
}

type txHashResponse struct {
	TxHash string `json:"tx_hash"`
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req sendCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.NewPolicy("malformed request body: "+err.Error()))
		return
	}

	pubBytes, err := hex.DecodeString(req.AccessPolicy.PubKeyHex)
	if err != nil {
		writeError(w, errs.NewPolicy("access_policy.pub_key is not valid hex"))
		return
	}
	pub, err := xcrypto.ParsePubKey(pubBytes)
	if err != nil {
		writeError(w, errs.NewAuth("invalid access policy public key"))
		return
	}
	sigBytes, err := hex.DecodeString(req.AccessPolicy.SignatureHex)
	if err != nil || len(sigBytes) != 65 {
		writeError(w, errs.NewPolicy("access_policy.signature must be 65 hex-encoded bytes"))
		return
	}
	var sig [65]byte
	copy(sig[:], sigBytes)

	plaintext := &command.CommandPlaintext{
		AccessPolicy:  &policy.AccessPolicy{PubKey: pub, Signature: sig},
		RuntimeParams: req.RuntimeParams,
		CmdName:       req.CmdName,
		UserCounter:   req.UserCounter,
	}

	var hint *policy.AccountID
	if req.HostAccount != "" {
		acc, err := parseAccountID(req.HostAccount)
		if err != nil {
			writeError(w, err)
			return
		}
		hint = &acc
	}

	txHash, err := s.dispatcher.SendCommand(r.Context(), hint, plaintext)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txHashResponse{TxHash: txHash})
}

type getStateResponse struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Exists bool   `json:"exists"`
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, errs.NewPolicy("query parameter \"key\" is required"))
		return
	}
	value, ok := s.dispatcher.Get(key)
	writeJSON(w, http.StatusOK, getStateResponse{Key: key, Value: value, Exists: ok})
}

func (s *Server) handleKeyRotation(w http.ResponseWriter, r *http.Request) {
	txHash, err := s.dispatcher.Handshake(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txHashResponse{TxHash: txHash})
}

type encryptionKeyResponse struct {
	PubKeyHex string `json:"pub_key"`
}

func (s *Server) handleEncryptionKey(w http.ResponseWriter, r *http.Request) {
	pub := s.dispatcher.EncryptionKey()
	writeJSON(w, http.StatusOK, encryptionKeyResponse{PubKeyHex: hex.EncodeToString(pub.SerializeCompressed())})
}

// registerReportResponse is the stub response for the remote attestation
// route: quote verification is out of scope, but external clients still
// need the route to exist and respond in the expected shape.
type registerReportResponse struct {
	Accepted bool `json:"accepted"`
}

func (s *Server) handleRegisterReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, registerReportResponse{Accepted: true})
}

func (s *Server) handleRegisterNotification(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, registerReportResponse{Accepted: true})
}

type userCounterResponse struct {
	UserCounter uint64 `json:"user_counter"`
	Seen        bool   `json:"seen"`
}

func (s *Server) handleUserCounter(w http.ResponseWriter, r *http.Request) {
	accountHex := r.URL.Query().Get("account")
	if accountHex == "" {
		writeError(w, errs.NewPolicy("query parameter \"account\" is required"))
		return
	}
	account, err := parseAccountID(accountHex)
	if err != nil {
		writeError(w, err)
		return
	}
	counter, ok := s.dispatcher.UserCounter(account)
	writeJSON(w, http.StatusOK, userCounterResponse{UserCounter: counter, Seen: ok})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "epoch": s.dispatcher.Epoch()})
}

func parseAccountID(accountHex string) (policy.AccountID, error) {
	var account policy.AccountID
	b, err := hex.DecodeString(accountHex)
	if err != nil || len(b) != policy.AccountIDSize {
		return account, errs.NewPolicy("account must be a 20-byte hex string")
	}
	copy(account[:], b)
	return account, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errs.HTTPStatus(err), map[string]string{"error": err.Error()})
}
